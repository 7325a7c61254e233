package status

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"framefarm/internal/pkg/errors"
)

// ContainerManager notifies the container manager that a one-shot render
// container became ready or is about to exit.
type ContainerManager struct {
	baseURL string
	client  *http.Client
}

func NewContainerManager(baseURL string, timeout time.Duration) *ContainerManager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ContainerManager{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (m *ContainerManager) PingReady(ctx context.Context, taskID string) error {
	return m.ping(ctx, "ready", taskID)
}

func (m *ContainerManager) PingShutdown(ctx context.Context, taskID string) error {
	return m.ping(ctx, "shutdown", taskID)
}

func (m *ContainerManager) ping(ctx context.Context, kind, taskID string) error {
	if m == nil || m.baseURL == "" {
		return nil
	}
	u := m.baseURL + "/v1/container/ping/" + kind + "/" + url.PathEscape(taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	res, err := m.client.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "container.ping", kind)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Newf(errors.CodeUnavailable, "container manager http %d on ping %s", res.StatusCode, kind)
	}
	return nil
}
