package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"framefarm/internal/httpkit"
	"framefarm/internal/models"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
	"framefarm/internal/util"
)

const (
	sceneMime      = "application/x-blender"
	maxFormMemory  = 32 << 20
	maxSceneUpload = 2 << 30
)

// PostScene stores an uploaded .blend file and registers it as a scene.
// Form fields: file (required), name (defaults to the file name).
func (h *Handler) PostScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxSceneUpload)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		httpkit.WriteErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid multipart form", nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpkit.WriteError(w, errors.ValidationField("file", "file is required"))
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".blend") {
		httpkit.WriteError(w, errors.ValidationField("file", "scene must be a .blend file"))
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		name = filename
	}

	scene := &models.Scene{
		ID:       util.NewID("scn"),
		AssetID:  util.NewID("ast"),
		Name:     name,
		Provider: h.sp.Provider(),
		Mime:     sceneMime,
	}

	out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   fmt.Sprintf("scenes/%s/%s", scene.ID, filename),
		ContentType: sceneMime,
		Reader:      file,
		Size:        header.Size,
	})
	if err != nil {
		h.writeError(w, r, errors.Wrap(err, "scenes.upload", "storage put failed"))
		return
	}
	scene.ObjectKey = out.ObjectKey
	scene.SizeBytes = out.Size

	if err := h.scenes.Create(ctx, scene); err != nil {
		if derr := h.sp.DeleteObject(ctx, out.ObjectKey); derr != nil {
			log.WithError(derr).Warn("failed to remove orphaned scene object", "object_key", out.ObjectKey)
		}
		h.writeError(w, r, err)
		return
	}

	log.Info("scene stored", "scene_id", scene.ID, "size", humanize.Bytes(uint64(scene.SizeBytes)), "provider", scene.Provider)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"scene": scene})
}

func (h *Handler) GetScene(w http.ResponseWriter, r *http.Request) {
	scene, err := h.scenes.Get(r.Context(), chi.URLParam(r, "sceneId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"scene": scene})
}

func (h *Handler) StreamScene(w http.ResponseWriter, r *http.Request) {
	scene, err := h.scenes.Get(r.Context(), chi.URLParam(r, "sceneId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(scene.ObjectKey)))
	h.streamObject(w, r, scene.ObjectKey, scene.Mime, scene.SizeBytes)
}

// DeleteScene soft-deletes the scene and removes its file. Scenes used by
// queued or running jobs are refused.
func (h *Handler) DeleteScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sceneID := chi.URLParam(r, "sceneId")

	scene, err := h.scenes.Get(ctx, sceneID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.scenes.Delete(ctx, sceneID); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.sp.DeleteObject(ctx, scene.ObjectKey); err != nil && !errors.IsNotFound(err) {
		h.log.FromContext(ctx).WithError(err).Warn("scene file not removed", "scene_id", sceneID, "object_key", scene.ObjectKey)
	}
	w.WriteHeader(http.StatusNoContent)
}

func sanitizeFilename(s string) string {
	s = filepath.Base(strings.ReplaceAll(strings.TrimSpace(s), "\\", "/"))
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" || s == "." || s == "/" || s == ".." {
		return "scene.blend"
	}
	return s
}
