package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackendDocker — имя Docker-бэкенда.
const BackendDocker = "docker"

// labelManaged помечает контейнеры, запущенные этой системой,
// чтобы list не цеплял чужие контейнеры на том же хосте.
const labelManaged = "protokol.managed"

// labelPrefix — префикс label-ключей с метаданными запуска.
const labelPrefix = "protokol."

// DockerConfig — конфигурация DockerDriver.
type DockerConfig struct {
	// Host — адрес Docker Engine API: "unix:///var/run/docker.sock"
	// или "tcp://10.0.0.5:2375".
	Host string

	// Image — образ воркера.
	Image string

	// Network — docker-сеть контейнера (пусто — сеть по умолчанию).
	Network string

	// Timeout — таймаут одного вызова Engine API.
	Timeout time.Duration
}

// DockerDriver запускает воркеров как контейнеры через Docker Engine
// HTTP API. Метаданные запуска кладутся в labels (для query) и в env
// (для самого воркера).
type DockerDriver struct {
	cfg    DockerConfig
	client *http.Client
	base   string
	logger *slog.Logger
}

// NewDockerDriver создаёт DockerDriver.
func NewDockerDriver(cfg DockerConfig, logger *slog.Logger) *DockerDriver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	transport := &http.Transport{}
	base := "http://docker"

	if path, ok := strings.CutPrefix(cfg.Host, "unix://"); ok {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}
	} else if addr, ok := strings.CutPrefix(cfg.Host, "tcp://"); ok {
		base = "http://" + addr
	} else if cfg.Host != "" {
		base = cfg.Host
	}

	return &DockerDriver{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		base:   base,
		logger: logger,
	}
}

// Name возвращает имя бэкенда.
func (d *DockerDriver) Name() string {
	return BackendDocker
}

// dockerCreateResponse — ответ POST /containers/create.
type dockerCreateResponse struct {
	ID string `json:"Id"`
}

// dockerContainer — элемент GET /containers/json.
type dockerContainer struct {
	ID     string            `json:"Id"`
	Labels map[string]string `json:"Labels"`
	State  string            `json:"State"`
}

// dockerInspect — усечённый ответ GET /containers/{id}/json.
type dockerInspect struct {
	State struct {
		Running bool `json:"Running"`
	} `json:"State"`
}

// Start создаёт и запускает контейнер воркера.
func (d *DockerDriver) Start(ctx context.Context, req *LaunchRequest) (StartResult, error) {
	connectionID := uuid.New().String()
	result := StartResult{ConnectionID: connectionID}

	meta := launchMeta(req, connectionID)

	labels := map[string]string{labelManaged: "true"}
	env := make([]string, 0, len(meta))
	for key, value := range meta {
		labels[labelPrefix+key] = value
		env = append(env, strings.ToUpper(key)+"="+value)
	}

	createBody := map[string]any{
		"Image":  d.cfg.Image,
		"Env":    env,
		"Labels": labels,
	}
	if d.cfg.Network != "" {
		createBody["HostConfig"] = map[string]any{"NetworkMode": d.cfg.Network}
	}

	// Имя контейнера детерминировано от connection_id: повторный create
	// с тем же именем упадёт с конфликтом вместо второго воркера.
	name := "protokol-bot-" + connectionID[:8]

	d.logger.Info("creating bot container",
		"image", d.cfg.Image,
		"meeting_id", req.MeetingID,
		"connection_id", connectionID,
	)

	var created dockerCreateResponse
	if err := d.post(ctx, "/containers/create?name="+url.QueryEscape(name), createBody, &created); err != nil {
		return result, err
	}
	result.BackendJobID = created.ID

	if err := d.post(ctx, "/containers/"+created.ID+"/start", nil, nil); err != nil {
		// Контейнер создан, но start неоднозначен — не пересоздаём,
		// Reconciler разберётся по labels.
		return result, fmt.Errorf("%w: start container %s: %v", ErrDispatchAmbiguous, created.ID, err)
	}

	d.logger.Info("bot container started",
		"container_id", created.ID,
		"connection_id", connectionID,
	)

	return result, nil
}

// Stop останавливает контейнер. 404 — контейнер уже исчез, (false, nil).
func (d *DockerDriver) Stop(ctx context.Context, backendJobID string) (bool, error) {
	stopURL := d.base + "/containers/" + url.PathEscape(backendJobID) + "/stop?t=10"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, stopURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: build stop request: %v", ErrBackendUnavailable, err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusNotModified:
		// Уже остановлен.
		return true, nil
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("%w: docker stop HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}

	d.logger.Info("bot container stopped", "container_id", backendJobID)
	return true, nil
}

// IsRunning проверяет состояние контейнера. 404 — чистое (false, nil).
func (d *DockerDriver) IsRunning(ctx context.Context, backendJobID string) (bool, error) {
	inspectURL := d.base + "/containers/" + url.PathEscape(backendJobID) + "/json"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, inspectURL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: build inspect request: %v", ErrBackendUnavailable, err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("%w: docker inspect HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var inspect dockerInspect
	if err := json.NewDecoder(resp.Body).Decode(&inspect); err != nil {
		return false, fmt.Errorf("%w: decode inspect response: %v", ErrBackendUnavailable, err)
	}

	return inspect.State.Running, nil
}

// ListRunningForUser возвращает снимки работающих контейнеров
// пользователя по label-фильтру.
func (d *DockerDriver) ListRunningForUser(ctx context.Context, userID int64) ([]WorkerSnapshot, error) {
	filters := map[string][]string{
		"label": {
			labelManaged + "=true",
			fmt.Sprintf("%s%s=%d", labelPrefix, metaUserID, userID),
		},
		"status": {"running"},
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal filters: %v", ErrBackendUnavailable, err)
	}

	listURL := d.base + "/containers/json?filters=" + url.QueryEscape(string(filtersJSON))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build list request: %v", ErrBackendUnavailable, err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: docker list HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var containers []dockerContainer
	if err := json.NewDecoder(resp.Body).Decode(&containers); err != nil {
		return nil, fmt.Errorf("%w: decode list response: %v", ErrBackendUnavailable, err)
	}

	snapshots := make([]WorkerSnapshot, 0, len(containers))
	for _, c := range containers {
		// Фильтр status=running уже запрошен, но ответ перепроверяется:
		// снимок не должен содержать завершившиеся контейнеры.
		if c.State != "running" {
			continue
		}
		meta := make(map[string]string, len(c.Labels))
		for key, value := range c.Labels {
			if trimmed, ok := strings.CutPrefix(key, labelPrefix); ok {
				meta[trimmed] = value
			}
		}
		snapshots = append(snapshots, snapshotFromMeta(c.ID, meta))
	}

	return snapshots, nil
}

// post выполняет POST с JSON-телом и классифицирует ошибки как dispatch.
func (d *DockerDriver) post(ctx context.Context, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: marshal body: %v", ErrDispatchFailed, err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDispatchFailed, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return classifyDispatchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: docker HTTP %d: %s",
			ErrDispatchFailed, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrDispatchAmbiguous, err)
		}
	}
	return nil
}
