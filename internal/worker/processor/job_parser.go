package processor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/render"
)

// ParsedJob is a stored job request with its scene resolved.
type ParsedJob struct {
	Params render.Params
	// SceneKey is the storage object key of the scene file.
	SceneKey string
	SceneID  string
}

// jobRequest is what the API stores in jobs.params_json.
type jobRequest struct {
	render.Params
	SceneID string `json:"scene_id,omitempty"`
}

type JobParser struct {
	db DB
}

func NewJobParser(db DB) *JobParser {
	return &JobParser{db: db}
}

// Parse decodes params_json. A scene_id is resolved through the scenes
// table; without one, scene_file is taken as a storage key.
func (jp *JobParser) Parse(ctx context.Context, paramsJSON string) (*ParsedJob, error) {
	var req jobRequest
	if err := json.Unmarshal([]byte(paramsJSON), &req); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "processor.parse", "invalid params_json")
	}

	j := &ParsedJob{Params: req.Params, SceneID: strings.TrimSpace(req.SceneID)}
	if j.SceneID == "" {
		j.SceneKey = strings.TrimSpace(req.SceneFile)
		if j.SceneKey == "" {
			return nil, errors.ValidationField("scene_id", "scene_id or scene_file is required")
		}
		if j.Params.SceneName == "" {
			j.Params.SceneName = SanitizeFilename(lastSegment(j.SceneKey))
		}
		return j, nil
	}

	name, key, err := jp.fetchScene(ctx, j.SceneID)
	if err != nil {
		return nil, err
	}
	j.SceneKey = key
	if j.Params.SceneName == "" {
		j.Params.SceneName = SanitizeFilename(name)
	}
	return j, nil
}

func (jp *JobParser) fetchScene(ctx context.Context, sceneID string) (name, objectKey string, err error) {
	err = jp.db.QueryRow(ctx,
		`SELECT s.name, a.object_key
		   FROM scenes s JOIN assets a ON a.id = s.asset_id
		  WHERE s.id=$1 AND s.deleted_at IS NULL`,
		sceneID,
	).Scan(&name, &objectKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", errors.NotFound("scene", sceneID)
	}
	if err != nil {
		return "", "", errors.Wrap(err, "processor.scene", "lookup scene")
	}
	return name, objectKey, nil
}

func lastSegment(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}
