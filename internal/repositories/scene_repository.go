package repositories

import (
	"context"

	"github.com/jackc/pgx/v5"

	"framefarm/internal/httpkit"
	"framefarm/internal/models"
	"framefarm/internal/pkg/errors"
)

type SceneRepository struct {
	db DB
}

func NewSceneRepository(db DB) *SceneRepository {
	return &SceneRepository{db: db}
}

// Create records the uploaded scene file as an asset and the scene that
// points at it, in one transaction.
func (r *SceneRepository) Create(ctx context.Context, s *models.Scene) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO assets (id, kind, provider, object_key, mime, size_bytes)
			VALUES ($1,'scene',$2,$3,$4,$5)
		`, s.AssetID, s.Provider, s.ObjectKey, s.Mime, s.SizeBytes); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO scenes (id, name, asset_id) VALUES ($1,$2,$3)
			RETURNING created_at
		`, s.ID, s.Name, s.AssetID).Scan(&s.CreatedAt)
	})
	if err != nil {
		if httpkit.IsUniqueViolation(err) {
			return errors.Newf(errors.CodeAlreadyExists, "scene %s already exists", s.ID)
		}
		return errors.Wrap(err, "scenes.create", "insert scene")
	}
	return nil
}

// Get returns a live (not deleted) scene.
func (r *SceneRepository) Get(ctx context.Context, id string) (*models.Scene, error) {
	var s models.Scene
	err := r.db.QueryRow(ctx, `
		SELECT s.id, s.name, s.asset_id, a.object_key, a.provider, a.mime, a.size_bytes, s.created_at
		FROM scenes s JOIN assets a ON a.id = s.asset_id
		WHERE s.id=$1 AND s.deleted_at IS NULL
	`, id).Scan(&s.ID, &s.Name, &s.AssetID, &s.ObjectKey, &s.Provider, &s.Mime, &s.SizeBytes, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("scene", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scenes.get", "query scene")
	}
	return &s, nil
}

// Delete soft-deletes a scene. Scenes still referenced by queued or running
// jobs are refused with a conflict.
func (r *SceneRepository) Delete(ctx context.Context, id string) error {
	var active int
	if err := r.db.QueryRow(ctx, `
		SELECT COUNT(1) FROM jobs WHERE scene_id=$1 AND status = ANY($2)
	`, id, []string{JobQueued, JobRunning}).Scan(&active); err != nil {
		return errors.Wrap(err, "scenes.delete", "count active jobs")
	}
	if active > 0 {
		return errors.Newf(errors.CodeConflict, "scene is used by %d active jobs", active).WithField("scene_id", id)
	}

	tag, err := r.db.Exec(ctx, `UPDATE scenes SET deleted_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return errors.Wrap(err, "scenes.delete", "delete scene")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("scene", id)
	}
	return nil
}
