// Package render orchestrates a frame-range render across leased remote
// workers: it plans the job deadline, drives one session per lease and
// keeps the per-frame ledger that status reporting reads from.
package render

import (
	"encoding/json"
	"io"
	"strings"

	"framefarm/internal/pkg/errors"
)

// Job describes one render request. It is not modified once Run starts.
type Job struct {
	ID              string
	StartFrame      int
	EndFrame        int
	SceneRef        string // local path of the scene file
	SceneName       string // file name inside the remote input dir
	OutputFormat    string // blender -F value, e.g. PNG
	OutputExtension string // e.g. ".png"
	Resolution      string
	Samples         int
	Budget          float64
	// OutputDir overrides Options.OutputDir for this job.
	OutputDir string
}

// FrameCount is the number of frames in [StartFrame, EndFrame), or 0 when
// the range is empty or too large to count.
func (j Job) FrameCount() int {
	if CheckRange(j.StartFrame, j.EndFrame, 0) != nil {
		return 0
	}
	return j.EndFrame - j.StartFrame
}

// Validate checks the fields Run needs. The frame count limit is applied by
// Run, which knows the configured maximum.
func (j Job) Validate() error {
	if err := CheckRange(j.StartFrame, j.EndFrame, 0); err != nil {
		return err
	}
	if strings.TrimSpace(j.SceneRef) == "" {
		return errors.ValidationField("scene_file", "scene file is required")
	}
	if strings.TrimSpace(j.SceneName) == "" {
		return errors.ValidationField("scene_name", "scene name is required")
	}
	if strings.TrimSpace(j.OutputFormat) == "" {
		return errors.ValidationField("output_format", "output format is required")
	}
	return nil
}

// Params is the JSON parameter file handed to a render run.
type Params struct {
	StartFrame      int     `json:"startframe"`
	EndFrame        int     `json:"endframe"`
	SceneFile       string  `json:"scene_file"`
	SceneName       string  `json:"scene_name"`
	OutputFormat    string  `json:"output_format"`
	OutputExtension string  `json:"output_extension"`
	Resolution      string  `json:"resolution,omitempty"`
	Samples         int     `json:"samples,omitempty"`
	Budget          float64 `json:"budget,omitempty"`
}

// DefaultBudget is the spend cap used when the parameters carry none.
const DefaultBudget = 10.0

// DecodeParams reads a JSON parameter file.
func DecodeParams(r io.Reader) (Params, error) {
	var p Params
	dec := json.NewDecoder(r)
	if err := dec.Decode(&p); err != nil {
		return Params{}, errors.WrapWithCode(err, errors.CodeValidation, "render.DecodeParams", "invalid job parameters")
	}
	return p, nil
}

// Job converts the parameters into a Job with the given id. The output
// extension is lower-cased and gets a leading dot if it lacks one.
func (p Params) Job(id string) Job {
	ext := strings.ToLower(strings.TrimSpace(p.OutputExtension))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	budget := p.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	return Job{
		ID:              id,
		StartFrame:      p.StartFrame,
		EndFrame:        p.EndFrame,
		SceneRef:        p.SceneFile,
		SceneName:       p.SceneName,
		OutputFormat:    strings.ToUpper(strings.TrimSpace(p.OutputFormat)),
		OutputExtension: ext,
		Resolution:      p.Resolution,
		Samples:         p.Samples,
		Budget:          budget,
	}
}
