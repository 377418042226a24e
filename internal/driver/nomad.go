package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// BackendNomad — имя Nomad-бэкенда.
const BackendNomad = "nomad"

// NomadConfig — конфигурация NomadDriver.
type NomadConfig struct {
	// Address — адрес Nomad API, например "http://10.0.0.5:4646".
	Address string

	// JobName — имя параметризованного job, представляющего бота.
	JobName string

	// Timeout — таймаут одного вызова Nomad API.
	Timeout time.Duration
}

// NomadDriver запускает воркеров как dispatch параметризованного
// Nomad job. Вся передача параметров — через Meta (string map).
type NomadDriver struct {
	cfg    NomadConfig
	client *http.Client
	logger *slog.Logger
}

// NewNomadDriver создаёт NomadDriver.
func NewNomadDriver(cfg NomadConfig, logger *slog.Logger) *NomadDriver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &NomadDriver{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Name возвращает имя бэкенда.
func (d *NomadDriver) Name() string {
	return BackendNomad
}

// nomadDispatchResponse — ответ POST /v1/job/{job}/dispatch.
type nomadDispatchResponse struct {
	DispatchedJobID string `json:"DispatchedJobID"`
	EvaluationID    string `json:"EvaluationID"`
}

// nomadJob — усечённый ответ GET /v1/job/{id} и элемента GET /v1/jobs.
type nomadJob struct {
	ID     string            `json:"ID"`
	Status string            `json:"Status"`
	Meta   map[string]string `json:"Meta"`
}

// nomadAllocation — усечённый элемент GET /v1/job/{id}/allocations.
type nomadAllocation struct {
	ClientStatus string `json:"ClientStatus"`
}

// Start диспатчит параметризованный job с метаданными запуска.
func (d *NomadDriver) Start(ctx context.Context, req *LaunchRequest) (StartResult, error) {
	connectionID := uuid.New().String()
	result := StartResult{ConnectionID: connectionID}

	payload := struct {
		Meta map[string]string `json:"Meta"`
	}{
		Meta: launchMeta(req, connectionID),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("%w: marshal dispatch payload: %v", ErrDispatchFailed, err)
	}

	dispatchURL := fmt.Sprintf("%s/v1/job/%s/dispatch", d.cfg.Address, url.PathEscape(d.cfg.JobName))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, dispatchURL, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("%w: build dispatch request: %v", ErrDispatchFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	d.logger.Info("dispatching nomad job",
		"job", d.cfg.JobName,
		"meeting_id", req.MeetingID,
		"connection_id", connectionID,
	)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return result, classifyDispatchError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return result, fmt.Errorf("%w: nomad dispatch HTTP %d: %s",
			ErrDispatchFailed, resp.StatusCode, bytes.TrimSpace(detail))
	}

	var dr nomadDispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		// Запись прошла (2xx), но ответ не дочитан — воркер запущен,
		// идентификатор неизвестен. Reconciler найдёт его по connection_id.
		return result, fmt.Errorf("%w: decode dispatch response: %v", ErrDispatchAmbiguous, err)
	}

	dispatchedID := dr.DispatchedJobID
	if dispatchedID == "" {
		dispatchedID = dr.EvaluationID
	}
	if dispatchedID == "" {
		return result, fmt.Errorf("%w: dispatch response has no DispatchedJobID", ErrDispatchAmbiguous)
	}

	result.BackendJobID = dispatchedID

	d.logger.Info("nomad job dispatched",
		"dispatched_job_id", dispatchedID,
		"connection_id", connectionID,
	)

	return result, nil
}

// Stop останавливает dispatched job. Best-effort: 404 означает,
// что job уже исчез — это (false, nil), не ошибка.
func (d *NomadDriver) Stop(ctx context.Context, backendJobID string) (bool, error) {
	stopURL := fmt.Sprintf("%s/v1/job/%s", d.cfg.Address, url.PathEscape(backendJobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, stopURL, nil)
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
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("%w: nomad stop HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}

	d.logger.Info("nomad job stopped", "backend_job_id", backendJobID)
	return true, nil
}

// IsRunning проверяет, что job существует, имеет статус running
// и хотя бы одну живую аллокацию.
func (d *NomadDriver) IsRunning(ctx context.Context, backendJobID string) (bool, error) {
	job, found, err := d.getJob(ctx, backendJobID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if job.Status != "running" {
		return false, nil
	}

	return d.hasRunningAllocation(ctx, backendJobID)
}

// ListRunningForUser возвращает снимки работающих воркеров пользователя.
// Метаданные берутся из job в Nomad, не из локальной таблицы sessions.
func (d *NomadDriver) ListRunningForUser(ctx context.Context, userID int64) ([]WorkerSnapshot, error) {
	params := url.Values{}
	params.Set("prefix", d.cfg.JobName)
	params.Set("filter", fmt.Sprintf("Meta.user_id == %q", fmt.Sprintf("%d", userID)))

	listURL := fmt.Sprintf("%s/v1/jobs?%s", d.cfg.Address, params.Encode())

	var jobs []nomadJob
	if err := d.getJSON(ctx, listURL, &jobs); err != nil {
		return nil, err
	}

	var snapshots []WorkerSnapshot
	for _, job := range jobs {
		if job.Status != "running" {
			continue
		}

		// Список jobs не содержит Meta — дочитываем детали.
		detail, found, err := d.getJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			// Job исчез между list и get — пропускаем.
			continue
		}

		running, err := d.hasRunningAllocation(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if !running {
			continue
		}

		snapshots = append(snapshots, snapshotFromMeta(job.ID, detail.Meta))
	}

	return snapshots, nil
}

// getJob возвращает детали job. found=false для 404.
func (d *NomadDriver) getJob(ctx context.Context, jobID string) (*nomadJob, bool, error) {
	jobURL := fmt.Sprintf("%s/v1/job/%s", d.cfg.Address, url.PathEscape(jobID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: build job request: %v", ErrBackendUnavailable, err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("%w: nomad job HTTP %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var job nomadJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, false, fmt.Errorf("%w: decode job response: %v", ErrBackendUnavailable, err)
	}

	return &job, true, nil
}

// hasRunningAllocation проверяет наличие живой аллокации у job.
func (d *NomadDriver) hasRunningAllocation(ctx context.Context, jobID string) (bool, error) {
	allocURL := fmt.Sprintf("%s/v1/job/%s/allocations", d.cfg.Address, url.PathEscape(jobID))

	var allocs []nomadAllocation
	if err := d.getJSON(ctx, allocURL, &allocs); err != nil {
		return false, err
	}

	for _, alloc := range allocs {
		if alloc.ClientStatus == "running" {
			return true, nil
		}
	}
	return false, nil
}

// getJSON выполняет GET и декодирует JSON-ответ.
func (d *NomadDriver) getJSON(ctx context.Context, rawURL string, result any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrBackendUnavailable, err)
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: nomad HTTP %d for %s", ErrBackendUnavailable, resp.StatusCode, rawURL)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBackendUnavailable, err)
	}
	return nil
}
