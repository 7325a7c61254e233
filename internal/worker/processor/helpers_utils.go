package processor

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// FrameObjectKey is where a rendered frame lives in storage.
func FrameObjectKey(jobID, localPath string) string {
	return fmt.Sprintf("renders/%s/frames/%s", jobID, filepath.Base(localPath))
}

// MimeFromPath guesses a content type from the file extension.
func MimeFromPath(p string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(p))); t != "" {
		return t
	}
	switch strings.ToLower(filepath.Ext(p)) {
	case ".exr":
		return "image/x-exr"
	case ".blend":
		return "application/x-blender"
	}
	return "application/octet-stream"
}

// NullIfEmpty maps "" to SQL NULL.
func NullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// SanitizeFilename strips path separators and traversal from s.
func SanitizeFilename(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "..", "")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" {
		return "scene.blend"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
