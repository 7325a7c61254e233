package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"framefarm/internal/adapters/storage/localfs"
	"framefarm/internal/models"
	"framefarm/internal/pkg/errors"
	"framefarm/internal/pkg/logger"
	"framefarm/internal/ports"
	"framefarm/internal/repositories"
)

type memJobs struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	frames map[string]*models.Asset
}

func (m *memJobs) Create(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.Status = repositories.JobQueued
	j.CreatedAt = time.Now()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memJobs) List(_ context.Context, status string, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *memJobs) Get(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

func (m *memJobs) FrameOutput(_ context.Context, jobID string, frame int) (*models.Asset, error) {
	a, ok := m.frames[jobID]
	if !ok {
		return nil, errors.NotFound("frame output", jobID)
	}
	return a, nil
}

func (m *memJobs) SetStatus(_ context.Context, id, status, errText string, from ...string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !contains(from, j.Status) {
		return false, nil
	}
	j.Status, j.Error = status, errText
	return true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type memScenes struct {
	scenes map[string]*models.Scene
	inUse  map[string]bool
}

func (m *memScenes) Create(_ context.Context, s *models.Scene) error {
	m.scenes[s.ID] = s
	return nil
}

func (m *memScenes) Get(_ context.Context, id string) (*models.Scene, error) {
	s, ok := m.scenes[id]
	if !ok {
		return nil, errors.NotFound("scene", id)
	}
	return s, nil
}

func (m *memScenes) Delete(_ context.Context, id string) error {
	if m.inUse[id] {
		return errors.New(errors.CodeConflict, "scene is used by active jobs")
	}
	delete(m.scenes, id)
	return nil
}

type memQueue struct {
	pushed    []string
	cancelled []string
	pushErr   error
}

func (q *memQueue) Push(_ context.Context, id string) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, id)
	return nil
}

func (q *memQueue) Cancel(_ context.Context, id string) error {
	q.cancelled = append(q.cancelled, id)
	return nil
}

func (q *memQueue) Len(context.Context) (int64, error) { return int64(len(q.pushed)), nil }

type fixture struct {
	srv    *httptest.Server
	jobs   *memJobs
	scenes *memScenes
	queue  *memQueue
	store  *localfs.LocalFS
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		jobs:   &memJobs{jobs: map[string]*models.Job{}, frames: map[string]*models.Asset{}},
		scenes: &memScenes{scenes: map[string]*models.Scene{}, inUse: map[string]bool{}},
		queue:  &memQueue{},
		store:  localfs.New(t.TempDir()),
	}
	f.srv = httptest.NewServer(NewRouter(Deps{
		Jobs:   f.jobs,
		Scenes: f.scenes,
		Queue:  f.queue,
		SP:     f.store,
		Log:    logger.Discard(),
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health?deep=true", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health: %d %v", resp.StatusCode, body)
	}
	checks := body["checks"].(map[string]any)
	if st := checks["storage"].(map[string]any)["status"]; st != "ok" {
		t.Errorf("storage check = %v", st)
	}
	if st := checks["postgres"].(map[string]any)["status"]; st != "disabled" {
		t.Errorf("postgres check = %v", st)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestPostJob(t *testing.T) {
	f := newFixture(t)
	f.scenes.scenes["scn_1"] = &models.Scene{ID: "scn_1", Name: "cubes.blend"}

	resp, body := f.do(t, http.MethodPost, "/jobs",
		`{"scene_id":"scn_1","startframe":1,"endframe":11,"output_format":"png"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	job := body["job"].(map[string]any)
	id := job["id"].(string)
	if job["status"] != repositories.JobQueued || job["frames_total"] != float64(10) {
		t.Errorf("unexpected job %v", job)
	}
	if len(f.queue.pushed) != 1 || f.queue.pushed[0] != id {
		t.Errorf("job not queued: %v", f.queue.pushed)
	}

	var params map[string]any
	_ = json.Unmarshal(f.jobs.jobs[id].Params, &params)
	if params["output_format"] != "PNG" || params["output_extension"] != ".png" || params["scene_id"] != "scn_1" {
		t.Errorf("params not normalized: %v", params)
	}
}

func TestPostJobValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"bad json", `{`, 400, "VALIDATION_ERROR"},
		{"unknown field", `{"scene_id":"scn_1","startframe":0,"endframe":1,"color":"red"}`, 400, "VALIDATION_ERROR"},
		{"no scene", `{"startframe":0,"endframe":1}`, 400, "VALIDATION_ERROR"},
		{"empty range", `{"scene_id":"scn_1","startframe":5,"endframe":5}`, 400, "INVALID_RANGE"},
		{"reversed range", `{"scene_id":"scn_1","startframe":5,"endframe":2}`, 400, "INVALID_RANGE"},
		{"overflowing range", `{"scene_id":"scn_1","startframe":-9223372036854775808,"endframe":9223372036854775807}`, 400, "INVALID_RANGE"},
		{"too many frames", `{"scene_id":"scn_1","startframe":0,"endframe":10001}`, 400, "INVALID_RANGE"},
		{"unknown format", `{"scene_id":"scn_1","startframe":0,"endframe":1,"output_format":"AVI_RAW"}`, 400, "VALIDATION_ERROR"},
		{"missing scene", `{"scene_id":"scn_404","startframe":0,"endframe":1}`, 404, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.scenes.scenes["scn_1"] = &models.Scene{ID: "scn_1"}
			resp, body := f.do(t, http.MethodPost, "/jobs", tt.body)
			if resp.StatusCode != tt.status || errorCode(body) != tt.code {
				t.Errorf("got %d %s, want %d %s", resp.StatusCode, errorCode(body), tt.status, tt.code)
			}
			if len(f.queue.pushed) != 0 {
				t.Error("rejected job must not be queued")
			}
		})
	}
}

func TestPostJobQueueDown(t *testing.T) {
	f := newFixture(t)
	f.queue.pushErr = io.ErrClosedPipe

	resp, body := f.do(t, http.MethodPost, "/jobs", `{"scene_file":"uploads/x.blend","startframe":0,"endframe":2}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	for _, j := range f.jobs.jobs {
		if j.Status != repositories.JobFailed {
			t.Errorf("job %s left in %s", j.ID, j.Status)
		}
	}
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	f.jobs.jobs["job_q"] = &models.Job{ID: "job_q", Status: repositories.JobQueued}
	f.jobs.jobs["job_r"] = &models.Job{ID: "job_r", Status: repositories.JobRunning}
	f.jobs.jobs["job_d"] = &models.Job{ID: "job_d", Status: repositories.JobDone}

	tests := []struct {
		id     string
		status int
	}{
		{"job_q", http.StatusAccepted},
		{"job_r", http.StatusAccepted},
		{"job_d", http.StatusConflict},
		{"job_404", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := f.do(t, http.MethodPost, "/jobs/"+tt.id+"/cancel", "")
		if resp.StatusCode != tt.status {
			t.Errorf("%s: status = %d (%v), want %d", tt.id, resp.StatusCode, body, tt.status)
		}
	}
	if f.jobs.jobs["job_q"].Status != repositories.JobCancelled {
		t.Error("queued job should be cancelled in place")
	}
	if len(f.queue.cancelled) != 1 || f.queue.cancelled[0] != "job_r" {
		t.Errorf("expected a cancel request for the running job, got %v", f.queue.cancelled)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/jobs/job_missing", "")
	if resp.StatusCode != http.StatusNotFound || errorCode(body) != "NOT_FOUND" {
		t.Errorf("got %d %v", resp.StatusCode, body)
	}
}

func TestStreamFrame(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.PutObject(context.Background(), ports.PutObjectInput{
		ObjectKey: "renders/job_1/frames/output_3.png",
		Reader:    strings.NewReader("pixels"),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.jobs.frames["job_1"] = &models.Asset{ObjectKey: "renders/job_1/frames/output_3.png", Mime: "image/png"}

	resp, err := http.Get(f.srv.URL + "/jobs/job_1/frames/3/content")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(data) != "pixels" {
		t.Errorf("got %d %q", resp.StatusCode, data)
	}

	resp2, _ := f.do(t, http.MethodGet, "/jobs/job_1/frames/abc/content", "")
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("non-numeric frame: status %d", resp2.StatusCode)
	}
}

func uploadScene(t *testing.T, f *fixture, filename, content string) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", filename)
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()

	resp, err := http.Post(f.srv.URL+"/scenes", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSceneLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, body := uploadScene(t, f, "my cubes.blend", "blend-data")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d (%v)", resp.StatusCode, body)
	}
	scene := body["scene"].(map[string]any)
	id := scene["id"].(string)
	key := scene["object_key"].(string)
	if !strings.HasSuffix(key, "/my_cubes.blend") || scene["size_bytes"] != float64(len("blend-data")) {
		t.Errorf("unexpected scene %v", scene)
	}

	resp, err := http.Get(f.srv.URL + "/scenes/" + id + "/content")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(data) != "blend-data" {
		t.Errorf("content = %q", data)
	}

	f.scenes.inUse[id] = true
	if resp, _ := f.do(t, http.MethodDelete, "/scenes/"+id, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("delete of a scene in use: status %d", resp.StatusCode)
	}
	f.scenes.inUse[id] = false
	if resp, _ := f.do(t, http.MethodDelete, "/scenes/"+id, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status %d", resp.StatusCode)
	}
	if _, _, _, err := f.store.GetObject(context.Background(), key); !errors.IsNotFound(err) {
		t.Errorf("scene file should be removed, got %v", err)
	}
}

func TestPostSceneRejectsOtherFiles(t *testing.T) {
	f := newFixture(t)
	resp, body := uploadScene(t, f, "notes.txt", "hello")
	if resp.StatusCode != http.StatusBadRequest || errorCode(body) != "VALIDATION_ERROR" {
		t.Errorf("got %d %v", resp.StatusCode, body)
	}
}
