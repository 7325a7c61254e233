package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"framefarm/internal/httpkit"
	"framefarm/internal/models"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/render"
	"framefarm/internal/repositories"
	"framefarm/internal/util"
)

// CreateJobRequest is stored verbatim as jobs.params_json.
type CreateJobRequest struct {
	render.Params
	SceneID string `json:"scene_id,omitempty"`
}

// Extensions for the Blender output formats we know; other formats need an
// explicit output_extension.
var formatExtensions = map[string]string{
	"PNG":      ".png",
	"JPEG":     ".jpg",
	"BMP":      ".bmp",
	"TIFF":     ".tif",
	"OPEN_EXR": ".exr",
	"TARGA":    ".tga",
}

func (req *CreateJobRequest) normalize(maxFrames int) error {
	req.SceneID = strings.TrimSpace(req.SceneID)
	req.SceneFile = strings.TrimSpace(req.SceneFile)
	if req.SceneID == "" && req.SceneFile == "" {
		return errors.ValidationField("scene_id", "scene_id or scene_file is required")
	}
	if err := render.CheckRange(req.StartFrame, req.EndFrame, maxFrames); err != nil {
		return err
	}
	if req.Samples < 0 {
		return errors.ValidationField("samples", "samples must not be negative")
	}
	if req.Budget < 0 {
		return errors.ValidationField("budget", "budget must not be negative")
	}

	req.OutputFormat = strings.ToUpper(strings.TrimSpace(req.OutputFormat))
	if req.OutputFormat == "" {
		req.OutputFormat = "PNG"
	}
	if strings.TrimSpace(req.OutputExtension) == "" {
		ext, ok := formatExtensions[req.OutputFormat]
		if !ok {
			return errors.ValidationField("output_extension", "output_extension is required for format "+req.OutputFormat)
		}
		req.OutputExtension = ext
	}
	return nil
}

func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	var req CreateJobRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json body", nil)
		return
	}
	if err := req.normalize(h.maxFrames); err != nil {
		httpkit.WriteError(w, err)
		return
	}

	if req.SceneID != "" {
		if _, err := h.scenes.Get(ctx, req.SceneID); err != nil {
			h.writeError(w, r, err)
			return
		}
	}

	params, _ := json.Marshal(req)
	job := &models.Job{
		ID:          util.NewID("job"),
		SceneID:     req.SceneID,
		Params:      params,
		FramesTotal: req.EndFrame - req.StartFrame,
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.queue.Push(ctx, job.ID); err != nil {
		log.WithJobID(job.ID).WithError(err).Error("queue push failed")
		if _, serr := h.jobs.SetStatus(ctx, job.ID, repositories.JobFailed, "queue push failed"); serr != nil {
			log.WithJobID(job.ID).WithError(serr).Error("failed to mark job failed")
		}
		httpkit.WriteError(w, errors.Unavailable("job queue"))
		return
	}

	log.WithJobID(job.ID).Info("job queued", "frames", job.FramesTotal, "scene_id", job.SceneID)
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}

	jobs, err := h.jobs.List(r.Context(), status, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
}

// CancelJob cancels a queued job outright, or asks the worker running it
// to stop. Finished jobs are a conflict.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	changed, err := h.jobs.SetStatus(ctx, jobID, repositories.JobCancelled, "cancelled by request", repositories.JobQueued)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if changed {
		httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": map[string]any{"id": jobID, "status": repositories.JobCancelled}})
		return
	}

	job, err := h.jobs.Get(ctx, jobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if job.Status != repositories.JobRunning {
		httpkit.WriteError(w, errors.Newf(errors.CodeConflict, "job is already %s", job.Status).WithField("job_id", jobID))
		return
	}
	if err := h.queue.Cancel(ctx, jobID); err != nil {
		h.log.FromContext(ctx).WithJobID(jobID).WithError(err).Error("cancel publish failed")
		httpkit.WriteError(w, errors.Unavailable("job queue"))
		return
	}
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job": map[string]any{"id": jobID, "status": "CANCELLING"}})
}

// StreamFrame serves the stored artifact of one rendered frame.
func (h *Handler) StreamFrame(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")
	frame, err := strconv.Atoi(chi.URLParam(r, "frame"))
	if err != nil {
		httpkit.WriteError(w, errors.ValidationField("frame", "frame must be an integer"))
		return
	}

	asset, err := h.jobs.FrameOutput(ctx, jobID, frame)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.streamObject(w, r, asset.ObjectKey, asset.Mime, asset.SizeBytes)
}

func (h *Handler) streamObject(w http.ResponseWriter, r *http.Request, objectKey, mimeType string, size int64) {
	rc, ct, n, err := h.sp.GetObject(r.Context(), objectKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	if ct == "" {
		ct = mimeType
	}
	if n > 0 {
		size = n
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}

// writeError logs server-side failures before rendering err.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.GetHTTPStatus(err) >= http.StatusInternalServerError {
		h.log.FromContext(r.Context()).WithError(err).Error("request failed", "path", r.URL.Path)
	}
	httpkit.WriteError(w, err)
}
