package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Protokol/internal/command"
	"github.com/shaiso/Protokol/internal/domain"
	"github.com/shaiso/Protokol/internal/driver"
	"github.com/shaiso/Protokol/internal/gate"
	"github.com/shaiso/Protokol/internal/repo"
)

// --- Фейки ---

// memStore — in-memory хранилище sessions с семантикой repo.SessionRepo.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*domain.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (m *memStore) AdmitSession(_ context.Context, s *domain.Session, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, existing := range m.sessions {
		if existing.UserID != s.UserID || !existing.IsActive() {
			continue
		}
		if existing.MeetingID == s.MeetingID {
			return repo.ErrMeetingActive
		}
		active++
	}
	if active >= limit {
		return repo.ErrQuotaExceeded
	}

	stored := *s
	m.sessions[s.ID] = &stored
	return nil
}

func (m *memStore) Insert(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *s
	m.sessions[s.ID] = &stored
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *memStore) GetByConnectionID(_ context.Context, connectionID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ConnectionID == connectionID {
			out := *s
			return &out, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (m *memStore) Update(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return repo.ErrNotFound
	}
	stored := *s
	m.sessions[s.ID] = &stored
	return nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memStore) ListActiveByUser(_ context.Context, userID int64) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListReconcilable(_ context.Context, userID int64) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && !s.IsFinished() {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveUsers(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, s := range m.sessions {
		if !s.IsFinished() && !seen[s.UserID] {
			seen[s.UserID] = true
			out = append(out, s.UserID)
		}
	}
	return out, nil
}

func (m *memStore) PurgeTerminated(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, s := range m.sessions {
		if s.IsFinished() && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			delete(m.sessions, id)
			purged++
		}
	}
	return purged, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *memStore) activeCount(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && s.IsActive() {
			n++
		}
	}
	return n
}

// fakeDriver — управляемый Backend Driver. Успешный Start регистрирует
// воркера как работающего, дальше его видно через IsRunning и
// ListRunningForUser.
type fakeDriver struct {
	mu           sync.Mutex
	startErr     error
	listErr      error
	isRunningErr error
	// stopUnconfirmed — Stop отвечает (false, nil), не убивая воркера:
	// бэкенд, который не умеет останавливать по запросу.
	stopUnconfirmed bool
	workers         map[string]driver.WorkerSnapshot
	startCalls      int
	stopCalls       []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{workers: make(map[string]driver.WorkerSnapshot)}
}

func (d *fakeDriver) Start(_ context.Context, req *driver.LaunchRequest) (driver.StartResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.startCalls++
	connID := uuid.New().String()

	if d.startErr != nil {
		if errors.Is(d.startErr, driver.ErrDispatchAmbiguous) {
			// Как и настоящие драйверы: connection_id уже сгенерирован.
			return driver.StartResult{ConnectionID: connID}, d.startErr
		}
		return driver.StartResult{}, d.startErr
	}

	jobID := fmt.Sprintf("job-%d", d.startCalls)
	d.workers[jobID] = driver.WorkerSnapshot{
		BackendJobID:    jobID,
		ConnectionID:    connID,
		UserID:          req.UserID,
		MeetingID:       req.MeetingID,
		NativeMeetingID: req.NativeMeetingID,
		Platform:        req.Platform,
		BotName:         req.BotName,
	}
	return driver.StartResult{BackendJobID: jobID, ConnectionID: connID}, nil
}

func (d *fakeDriver) Stop(_ context.Context, backendJobID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopCalls = append(d.stopCalls, backendJobID)
	if d.stopUnconfirmed {
		return false, nil
	}
	if _, ok := d.workers[backendJobID]; !ok {
		return false, nil
	}
	delete(d.workers, backendJobID)
	return true, nil
}

func (d *fakeDriver) IsRunning(_ context.Context, backendJobID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunningErr != nil {
		return false, d.isRunningErr
	}
	_, ok := d.workers[backendJobID]
	return ok, nil
}

func (d *fakeDriver) ListRunningForUser(_ context.Context, userID int64) ([]driver.WorkerSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	var out []driver.WorkerSnapshot
	for _, snap := range d.workers {
		if snap.UserID == userID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) addWorker(snap driver.WorkerSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers[snap.BackendJobID] = snap
}

func (d *fakeDriver) killWorker(backendJobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.workers, backendJobID)
}

// fakePublisher записывает опубликованные команды.
type fakePublisher struct {
	mu         sync.Mutex
	publishErr error
	published  []publishedCommand
}

type publishedCommand struct {
	ConnectionID string
	Command      command.Command
}

func (p *fakePublisher) Publish(_ context.Context, connectionID string, cmd command.Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, publishedCommand{ConnectionID: connectionID, Command: cmd})
	return nil
}

func (p *fakePublisher) byAction(action command.Action) []publishedCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedCommand
	for _, pc := range p.published {
		if pc.Command.Action == action {
			out = append(out, pc)
		}
	}
	return out
}

type memPlans struct {
	limits map[int64]int
}

func (p *memPlans) BotLimit(_ context.Context, userID int64) (int, error) {
	limit, ok := p.limits[userID]
	if !ok {
		return 0, repo.ErrNotFound
	}
	return limit, nil
}

// --- Сборка ---

type harness struct {
	orch   *Orchestrator
	store  *memStore
	driver *fakeDriver
	pub    *fakePublisher
	plans  *memPlans
}

func newHarness(defaultLimit int) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	drv := newFakeDriver()
	pub := &fakePublisher{}
	plans := &memPlans{limits: map[int64]int{}}

	g := gate.New(gate.Config{
		Store:        store,
		Plans:        plans,
		DefaultLimit: defaultLimit,
		Logger:       logger,
	})

	orch := New(Config{
		Driver:   drv,
		Gate:     g,
		Store:    store,
		Commands: pub,
		Logger:   logger,
	})

	return &harness{orch: orch, store: store, driver: drv, pub: pub, plans: plans}
}

func startRequest(userID, meetingID int64) *StartRequest {
	return &StartRequest{
		UserID:          userID,
		MeetingID:       meetingID,
		NativeMeetingID: fmt.Sprintf("abc-defg-%03d", meetingID),
		Platform:        "google_meet",
		MeetingURL:      "https://meet.google.com/abc-defg-hij",
		BotName:         "Protokol Bot",
		UserToken:       "token-xyz",
	}
}

// --- StartBot ---

func TestStartBot(t *testing.T) {
	h := newHarness(5)

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	if s.Status != domain.SessionStatusPending {
		t.Errorf("expected PENDING until reconciler confirms, got %s", s.Status)
	}
	if s.BackendJobID == "" || s.ConnectionID == "" {
		t.Errorf("expected backend job id and connection id, got %q / %q", s.BackendJobID, s.ConnectionID)
	}

	stored, err := h.store.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.BackendJobID != s.BackendJobID || stored.ConnectionID != s.ConnectionID {
		t.Error("stored session does not match dispatch result")
	}
}

func TestStartBotValidation(t *testing.T) {
	h := newHarness(5)

	tests := []struct {
		name string
		mod  func(*StartRequest)
	}{
		{"missing user id", func(r *StartRequest) { r.UserID = 0 }},
		{"missing meeting id", func(r *StartRequest) { r.MeetingID = 0 }},
		{"missing platform", func(r *StartRequest) { r.Platform = "" }},
		{"missing meeting url", func(r *StartRequest) { r.MeetingURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := startRequest(1, 100)
			tt.mod(req)
			_, err := h.orch.StartBot(context.Background(), req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}

	if h.driver.startCalls != 0 {
		t.Errorf("expected no dispatch calls for invalid requests, got %d", h.driver.startCalls)
	}
	if h.store.count() != 0 {
		t.Errorf("expected no sessions, got %d", h.store.count())
	}
}

func TestStartBotQuotaExceeded(t *testing.T) {
	h := newHarness(1)

	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 100)); err != nil {
		t.Fatalf("first StartBot: %v", err)
	}

	_, err := h.orch.StartBot(context.Background(), startRequest(1, 101))
	if !errors.Is(err, repo.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if h.driver.startCalls != 1 {
		t.Errorf("expected dispatch to be skipped on quota rejection, got %d calls", h.driver.startCalls)
	}

	// У другого пользователя своя квота.
	if _, err := h.orch.StartBot(context.Background(), startRequest(2, 100)); err != nil {
		t.Errorf("StartBot for another user: %v", err)
	}
}

func TestStartBotDuplicateMeeting(t *testing.T) {
	h := newHarness(5)

	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 100)); err != nil {
		t.Fatalf("first StartBot: %v", err)
	}

	_, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if !errors.Is(err, repo.ErrMeetingActive) {
		t.Errorf("expected ErrMeetingActive, got %v", err)
	}
}

func TestStartBotDispatchFailedFreesSlot(t *testing.T) {
	h := newHarness(1)
	h.driver.startErr = fmt.Errorf("backend said no: %w", driver.ErrDispatchFailed)

	_, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if !errors.Is(err, driver.ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	if h.store.count() != 0 {
		t.Fatalf("expected no session after rejected dispatch, got %d", h.store.count())
	}

	// Слот свободен — следующий запуск проходит.
	h.driver.startErr = nil
	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 100)); err != nil {
		t.Errorf("StartBot after recovery: %v", err)
	}
}

func TestStartBotAmbiguousKeepsSession(t *testing.T) {
	h := newHarness(1)
	h.driver.startErr = fmt.Errorf("request timed out: %w", driver.ErrDispatchAmbiguous)

	_, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if !errors.Is(err, driver.ErrDispatchAmbiguous) {
		t.Fatalf("expected ErrDispatchAmbiguous, got %v", err)
	}

	sessions, err := h.store.ListActiveByUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListActiveByUser: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected session to survive ambiguous dispatch, got %d", len(sessions))
	}

	s := sessions[0]
	if s.Status != domain.SessionStatusPending {
		t.Errorf("expected PENDING, got %s", s.Status)
	}
	if s.ConnectionID == "" {
		t.Error("expected connection id to be persisted for reconciler correlation")
	}
	if s.BackendJobID != "" {
		t.Errorf("expected empty backend job id, got %q", s.BackendJobID)
	}

	// Слот остаётся занятым, пока Reconciler не разберётся.
	h.driver.startErr = nil
	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 101)); !errors.Is(err, repo.ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded while ambiguous session holds slot, got %v", err)
	}
}

// --- StopBot ---

func TestStopBot(t *testing.T) {
	h := newHarness(1)

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	stopped, err := h.orch.StopBot(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("StopBot: %v", err)
	}
	if stopped.Status != domain.SessionStatusStopped {
		t.Errorf("expected STOPPED, got %s", stopped.Status)
	}
	if stopped.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}

	if len(h.driver.stopCalls) != 1 || h.driver.stopCalls[0] != s.BackendJobID {
		t.Errorf("expected driver stop for %q, got %v", s.BackendJobID, h.driver.stopCalls)
	}

	advisory := h.pub.byAction(command.ActionStop)
	if len(advisory) != 1 || advisory[0].ConnectionID != s.ConnectionID {
		t.Errorf("expected advisory stop command for %q, got %v", s.ConnectionID, advisory)
	}

	// Слот освобождён.
	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 101)); err != nil {
		t.Errorf("StartBot after stop: %v", err)
	}
}

func TestStopBotIdempotent(t *testing.T) {
	h := newHarness(1)

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	if _, err := h.orch.StopBot(context.Background(), s.ID); err != nil {
		t.Fatalf("first StopBot: %v", err)
	}

	again, err := h.orch.StopBot(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("second StopBot: %v", err)
	}
	if again.Status != domain.SessionStatusStopped {
		t.Errorf("expected STOPPED, got %s", again.Status)
	}
	if len(h.driver.stopCalls) != 1 {
		t.Errorf("expected a single driver stop call, got %d", len(h.driver.stopCalls))
	}
}

func TestStopBotUnconfirmedStopKeepsSessionAlive(t *testing.T) {
	h := newHarness(1)

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	// Драйвер не подтверждает остановку, воркер продолжает работать.
	h.driver.stopUnconfirmed = true

	got, err := h.orch.StopBot(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("StopBot: %v", err)
	}
	if got.IsFinished() {
		t.Fatalf("session must not be terminal without driver confirmation, got %s", got.Status)
	}

	running, err := h.driver.IsRunning(context.Background(), s.BackendJobID)
	if err != nil || !running {
		t.Fatalf("worker must still be alive in the backend, got (%v, %v)", running, err)
	}

	// Слот остаётся занятым: живой воркер не должен пустить дубликата.
	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 101)); !errors.Is(err, repo.ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded while worker is alive, got %v", err)
	}

	// Пока воркер жив, сверка подтверждает его, а не закрывает.
	r := newTestReconciler(h, nil)
	if _, err := r.SweepUser(context.Background(), 1); err != nil {
		t.Fatalf("SweepUser: %v", err)
	}
	if stored := getSession(t, h, s); stored.Status != domain.SessionStatusRunning {
		t.Fatalf("expected RUNNING while worker is alive, got %s", stored.Status)
	}

	// Воркер реально исчез — терминальный вердикт выносит Reconciler.
	h.driver.killWorker(s.BackendJobID)
	if _, err := r.SweepUser(context.Background(), 1); err != nil {
		t.Fatalf("second SweepUser: %v", err)
	}
	stored := getSession(t, h, s)
	if stored.Status != domain.SessionStatusStopped {
		t.Fatalf("expected STOPPED after worker vanished, got %s", stored.Status)
	}
	if h.store.activeCount(1) != 0 {
		t.Error("expected quota slot to be freed")
	}
}

func TestStopBotUnknownSession(t *testing.T) {
	h := newHarness(1)

	_, err := h.orch.StopBot(context.Background(), uuid.New())
	if !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStopBotSurvivesLostCommand(t *testing.T) {
	h := newHarness(1)
	h.pub.publishErr = errors.New("broker down")

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	// Advisory-команда потерялась, авторитетная остановка всё равно прошла.
	stopped, err := h.orch.StopBot(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("StopBot: %v", err)
	}
	if stopped.Status != domain.SessionStatusStopped {
		t.Errorf("expected STOPPED, got %s", stopped.Status)
	}
}

// --- GetRunningBots / SendCommand ---

func TestGetRunningBots(t *testing.T) {
	h := newHarness(5)

	s1, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	if _, err := h.orch.StartBot(context.Background(), startRequest(1, 101)); err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	if _, err := h.orch.StopBot(context.Background(), s1.ID); err != nil {
		t.Fatalf("StopBot: %v", err)
	}

	bots, err := h.orch.GetRunningBots(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetRunningBots: %v", err)
	}
	if len(bots) != 1 {
		t.Fatalf("expected 1 active bot, got %d", len(bots))
	}
	if bots[0].MeetingID != 101 {
		t.Errorf("expected meeting 101, got %d", bots[0].MeetingID)
	}

	if _, err := h.orch.GetRunningBots(context.Background(), 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for user_id 0, got %v", err)
	}
}

func TestSendCommand(t *testing.T) {
	h := newHarness(1)

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}

	cmd := command.Command{Action: command.ActionReconfigure, Language: "ru", Task: "translate"}
	if err := h.orch.SendCommand(context.Background(), s.ID, cmd); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	published := h.pub.byAction(command.ActionReconfigure)
	if len(published) != 1 {
		t.Fatalf("expected 1 reconfigure command, got %d", len(published))
	}
	if published[0].ConnectionID != s.ConnectionID {
		t.Errorf("command addressed to %q, expected %q", published[0].ConnectionID, s.ConnectionID)
	}
	if published[0].Command.Language != "ru" {
		t.Errorf("expected language ru, got %q", published[0].Command.Language)
	}
}

func TestSendCommandToFinishedSession(t *testing.T) {
	h := newHarness(1)

	s, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	if _, err := h.orch.StopBot(context.Background(), s.ID); err != nil {
		t.Fatalf("StopBot: %v", err)
	}

	err = h.orch.SendCommand(context.Background(), s.ID, command.Command{Action: command.ActionLeave})
	if !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("expected ErrSessionNotActive, got %v", err)
	}
}
