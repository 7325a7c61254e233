// Package status delivers ledger transitions to the external status
// backend. Delivery is best effort: the orchestrator never blocks on it
// and failures are logged, not retried.
package status

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"framefarm/internal/pkg/errors"
	"framefarm/internal/ports"
)

const (
	subtaskPath = "/v1/status/subtask/blender"
	taskPath    = "/v1/status/task/blender"
	uploadPath  = "/v1/blender/subtask/upload"
)

// HTTPReporter speaks the backend's form-encoded status API. It also
// implements ports.ResultSink by uploading frames as multipart files.
type HTTPReporter struct {
	baseURL string
	client  *http.Client
}

func NewHTTPReporter(baseURL string, timeout time.Duration) *HTTPReporter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (r *HTTPReporter) ReportSubtask(ctx context.Context, u ports.SubtaskUpdate) error {
	form := url.Values{
		"id":          {u.JobID},
		"status":      {u.Status},
		"provider":    {u.ProviderName},
		"provider_id": {u.ProviderID},
		"task_data":   {strconv.Itoa(u.Frame)},
	}
	if u.Elapsed > 0 {
		form.Set("time", seconds(u.Elapsed))
	}
	if u.Reason != "" {
		form.Set("reason", u.Reason)
	}
	return r.postForm(ctx, subtaskPath, form)
}

func (r *HTTPReporter) ReportJob(ctx context.Context, u ports.JobUpdate) error {
	form := url.Values{
		"id":     {u.JobID},
		"status": {u.Status},
	}
	if u.Elapsed > 0 {
		form.Set("time_spent", seconds(u.Elapsed))
	}
	if u.Total > 0 {
		form.Set("frames_total", strconv.Itoa(u.Total))
		form.Set("frames_succeeded", strconv.Itoa(u.Succeeded))
		form.Set("frames_failed", strconv.Itoa(u.Failed))
	}
	return r.postForm(ctx, taskPath, form)
}

// UploadResult streams the rendered file as multipart field "file".
func (r *HTTPReporter) UploadResult(ctx context.Context, res ports.ResultUpload) error {
	f, err := os.Open(res.Path)
	if err != nil {
		return errors.Wrap(err, "status.upload", "open result")
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUpload(mw, res, f))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+uploadPath, pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return r.do(req)
}

func writeUpload(mw *multipart.Writer, res ports.ResultUpload, src io.Reader) error {
	if err := mw.WriteField("id", res.JobID); err != nil {
		return err
	}
	if err := mw.WriteField("task_data", strconv.Itoa(res.Frame)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(res.Path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func (r *HTTPReporter) postForm(ctx context.Context, path string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r.do(req)
}

func (r *HTTPReporter) do(req *http.Request) error {
	res, err := r.client.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "status.post", req.URL.Path)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Newf(errors.CodeUnavailable, "status backend http %d on %s", res.StatusCode, req.URL.Path)
	}
	return nil
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
