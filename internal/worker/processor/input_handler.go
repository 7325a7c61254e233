package processor

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

type InputHandler struct {
	sp       ports.StorageProvider
	workRoot string
}

func NewInputHandler(sp ports.StorageProvider, workRoot string) *InputHandler {
	return &InputHandler{sp: sp, workRoot: workRoot}
}

// Materialize downloads the scene into the job's input directory and
// returns its local path.
func (ih *InputHandler) Materialize(ctx context.Context, jobID, objectKey, sceneName string) (string, error) {
	baseDir := filepath.Join(ih.workRoot, "jobs", jobID, "input")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", errors.Wrap(err, "processor.input", "create input directory")
	}

	rc, _, _, err := ih.sp.GetObject(ctx, objectKey)
	if err != nil {
		return "", errors.Wrapf(err, "processor.input", "download scene %s", objectKey)
	}
	defer rc.Close()

	localPath := filepath.Join(baseDir, SanitizeFilename(sceneName))
	f, err := os.Create(localPath)
	if err != nil {
		return "", errors.Wrap(err, "processor.input", "create scene file")
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", errors.Wrap(err, "processor.input", "write scene file")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "processor.input", "write scene file")
	}
	return localPath, nil
}

// OutputDir is where the orchestrator downloads frames for jobID.
func (ih *InputHandler) OutputDir(jobID string) string {
	return filepath.Join(ih.workRoot, "jobs", jobID, "output")
}
