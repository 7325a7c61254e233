package processor

import (
	"os"
	"path/filepath"

	"framefarm/internal/pkg/logger"
)

type Cleanup struct {
	workRoot     string
	cleanupLocal bool
	log          *logger.Logger
}

func NewCleanup(workRoot string, cleanupLocal bool, log *logger.Logger) *Cleanup {
	return &Cleanup{workRoot: workRoot, cleanupLocal: cleanupLocal, log: log}
}

// CleanupJob removes the job's scratch directory once its frames are in
// storage.
func (c *Cleanup) CleanupJob(jobID string) {
	if !c.cleanupLocal {
		return
	}
	dir := filepath.Join(c.workRoot, "jobs", jobID)
	if err := os.RemoveAll(dir); err != nil {
		c.log.WithJobID(jobID).WithError(err).Warn("cleanup failed", "dir", dir)
	}
}
