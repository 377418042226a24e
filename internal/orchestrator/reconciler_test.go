package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shaiso/Protokol/internal/config"
	"github.com/shaiso/Protokol/internal/domain"
	"github.com/shaiso/Protokol/internal/driver"
)

func newTestReconciler(h *harness, mod func(*ReconcilerConfig)) *Reconciler {
	cfg := ReconcilerConfig{
		Driver:       h.driver,
		Store:        h.store,
		Plans:        h.plans,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Interval:     time.Minute,
		PendingGrace: 0,
		OrphanPolicy: config.OrphanIgnore,
		DefaultLimit: 5,
	}
	if mod != nil {
		mod(&cfg)
	}
	return NewReconciler(cfg)
}

func mustStart(t *testing.T, h *harness, userID, meetingID int64) *domain.Session {
	t.Helper()
	s, err := h.orch.StartBot(context.Background(), startRequest(userID, meetingID))
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	return s
}

func getSession(t *testing.T, h *harness, s *domain.Session) *domain.Session {
	t.Helper()
	stored, err := h.store.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	return stored
}

func TestSweepConfirmsPendingSession(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	s := mustStart(t, h, 1, 100)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	stored := getSession(t, h, s)
	if stored.Status != domain.SessionStatusRunning {
		t.Fatalf("expected RUNNING after confirmation, got %s", stored.Status)
	}
	if stored.StartedAt == nil {
		t.Error("expected started_at to be set on first confirmation")
	}
	if stored.LastVerifiedAt == nil {
		t.Error("expected last_verified_at to be set")
	}
}

func TestSweepResolvesAmbiguousDispatch(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	h.driver.startErr = fmt.Errorf("timeout: %w", driver.ErrDispatchAmbiguous)
	_, err := h.orch.StartBot(context.Background(), startRequest(1, 100))
	if !errors.Is(err, driver.ErrDispatchAmbiguous) {
		t.Fatalf("expected ErrDispatchAmbiguous, got %v", err)
	}
	h.driver.startErr = nil

	sessions, _ := h.store.ListActiveByUser(context.Background(), 1)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 pending session, got %d", len(sessions))
	}
	pending := sessions[0]

	// Воркер на самом деле запустился: бэкенд знает его connection_id.
	h.driver.addWorker(driver.WorkerSnapshot{
		BackendJobID: "job-late",
		ConnectionID: pending.ConnectionID,
		UserID:       1,
		MeetingID:    100,
	})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	stored := getSession(t, h, &pending)
	if stored.Status != domain.SessionStatusRunning {
		t.Fatalf("expected RUNNING, got %s", stored.Status)
	}
	if stored.BackendJobID != "job-late" {
		t.Errorf("expected backend job id to be filled in, got %q", stored.BackendJobID)
	}
}

func TestSweepFailsUnconfirmedDispatch(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	h.driver.startErr = fmt.Errorf("timeout: %w", driver.ErrDispatchAmbiguous)
	_, _ = h.orch.StartBot(context.Background(), startRequest(1, 100))
	h.driver.startErr = nil

	// Воркер так и не появился в бэкенде; grace нулевой.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	sessions, _ := h.store.ListReconcilable(context.Background(), 1)
	if len(sessions) != 0 {
		t.Fatalf("expected no reconcilable sessions, got %d", len(sessions))
	}
	if h.store.activeCount(1) != 0 {
		t.Error("expected quota slot to be freed")
	}
}

func TestSweepHonorsPendingGrace(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, func(cfg *ReconcilerConfig) {
		cfg.PendingGrace = time.Hour
	})

	h.driver.startErr = fmt.Errorf("timeout: %w", driver.ErrDispatchAmbiguous)
	_, _ = h.orch.StartBot(context.Background(), startRequest(1, 100))
	h.driver.startErr = nil

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	// Внутри grace-окна PENDING не трогается: list мог отстать от dispatch.
	sessions, _ := h.store.ListActiveByUser(context.Background(), 1)
	if len(sessions) != 1 || sessions[0].Status != domain.SessionStatusPending {
		t.Fatalf("expected session to stay PENDING within grace window, got %+v", sessions)
	}
}

func TestSweepStopsVanishedWorker(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	s := mustStart(t, h, 1, 100)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep: %v", err)
	}

	// Митинг кончился, воркер вышел сам.
	h.driver.killWorker(s.BackendJobID)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}

	stored := getSession(t, h, s)
	if stored.Status != domain.SessionStatusStopped {
		t.Fatalf("expected STOPPED for worker that once ran, got %s", stored.Status)
	}
	if stored.EndedAt == nil {
		t.Error("expected ended_at to be set")
	}
	if h.store.activeCount(1) != 0 {
		t.Error("expected quota slot to be freed")
	}
}

func TestSweepFailsNeverConfirmedWorker(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	s := mustStart(t, h, 1, 100)

	// Воркер умер до первого подтверждения.
	h.driver.killWorker(s.BackendJobID)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	stored := getSession(t, h, s)
	if stored.Status != domain.SessionStatusFailed {
		t.Fatalf("expected FAILED for never-confirmed worker, got %s", stored.Status)
	}
	if stored.Error == "" {
		t.Error("expected error message on failed session")
	}
}

func TestSweepMarksUnknownWhenUnverifiable(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	s := mustStart(t, h, 1, 100)
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep: %v", err)
	}

	// Воркер пропал из list, а точечная проверка падает:
	// вердикт выносить нельзя.
	h.driver.killWorker(s.BackendJobID)
	h.driver.isRunningErr = fmt.Errorf("status check: %w", driver.ErrBackendUnavailable)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}

	stored := getSession(t, h, s)
	if stored.Status != domain.SessionStatusUnknown {
		t.Fatalf("expected UNKNOWN, got %s", stored.Status)
	}

	// Бэкенд ожил и подтвердил: воркера нет. Session закрывается.
	h.driver.isRunningErr = nil

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("third Sweep: %v", err)
	}
	stored = getSession(t, h, s)
	if stored.Status != domain.SessionStatusStopped {
		t.Fatalf("expected STOPPED after backend recovery, got %s", stored.Status)
	}
}

func TestSweepUserBackendUnavailable(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	s := mustStart(t, h, 1, 100)
	h.driver.listErr = fmt.Errorf("list: %w", driver.ErrBackendUnavailable)

	_, err := r.SweepUser(context.Background(), 1)
	if !errors.Is(err, driver.ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}

	// Без данных бэкенда состояние не трогается.
	stored := getSession(t, h, s)
	if stored.Status != domain.SessionStatusPending {
		t.Errorf("expected session untouched, got %s", stored.Status)
	}
}

func TestSweepIdempotent(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	s := mustStart(t, h, 1, 100)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("first Sweep: %v", err)
	}
	first := getSession(t, h, s)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	second := getSession(t, h, s)

	if second.Status != first.Status {
		t.Errorf("status changed on repeated sweep: %s -> %s", first.Status, second.Status)
	}
	if !second.StartedAt.Equal(*first.StartedAt) {
		t.Error("started_at changed on repeated sweep")
	}
	if h.store.count() != 1 {
		t.Errorf("expected 1 session, got %d", h.store.count())
	}
}

// --- Сироты ---

func orphanSnapshot(userID int64) driver.WorkerSnapshot {
	return driver.WorkerSnapshot{
		BackendJobID:    "job-orphan",
		ConnectionID:    "conn-orphan",
		UserID:          userID,
		MeetingID:       77,
		NativeMeetingID: "abc-defg-077",
		Platform:        "google_meet",
		BotName:         "Protokol Bot",
	}
}

func TestSweepUserAdoptsOrphan(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, func(cfg *ReconcilerConfig) {
		cfg.OrphanPolicy = config.OrphanAdopt
	})

	h.driver.addWorker(orphanSnapshot(9))

	if _, err := r.SweepUser(context.Background(), 9); err != nil {
		t.Fatalf("SweepUser: %v", err)
	}

	sessions, _ := h.store.ListActiveByUser(context.Background(), 9)
	if len(sessions) != 1 {
		t.Fatalf("expected adopted session, got %d", len(sessions))
	}
	adopted := sessions[0]
	if adopted.Status != domain.SessionStatusRunning {
		t.Errorf("expected RUNNING, got %s", adopted.Status)
	}
	if adopted.BackendJobID != "job-orphan" || adopted.ConnectionID != "conn-orphan" {
		t.Errorf("adopted session metadata mismatch: %+v", adopted)
	}

	// Повторный проход усыновлённую session узнаёт, дубликата нет.
	if _, err := r.SweepUser(context.Background(), 9); err != nil {
		t.Fatalf("second SweepUser: %v", err)
	}
	if h.store.count() != 1 {
		t.Errorf("expected 1 session after repeated sweep, got %d", h.store.count())
	}
}

func TestSweepUserStopsOrphan(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, func(cfg *ReconcilerConfig) {
		cfg.OrphanPolicy = config.OrphanStop
	})

	h.driver.addWorker(orphanSnapshot(9))

	if _, err := r.SweepUser(context.Background(), 9); err != nil {
		t.Fatalf("SweepUser: %v", err)
	}

	if len(h.driver.stopCalls) != 1 || h.driver.stopCalls[0] != "job-orphan" {
		t.Errorf("expected orphan to be stopped, stop calls: %v", h.driver.stopCalls)
	}
	if h.store.count() != 0 {
		t.Errorf("expected no sessions, got %d", h.store.count())
	}
}

func TestSweepUserIgnoresOrphan(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, nil)

	h.driver.addWorker(orphanSnapshot(9))

	if _, err := r.SweepUser(context.Background(), 9); err != nil {
		t.Fatalf("SweepUser: %v", err)
	}

	if len(h.driver.stopCalls) != 0 {
		t.Errorf("expected no stop calls, got %v", h.driver.stopCalls)
	}
	if h.store.count() != 0 {
		t.Errorf("expected no sessions, got %d", h.store.count())
	}
}

// --- Превышение квоты ---

func TestSweepFlagsOverQuota(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, func(cfg *ReconcilerConfig) {
		cfg.DefaultLimit = 1
	})

	first := mustStart(t, h, 1, 100)
	time.Sleep(5 * time.Millisecond) // порядок created_at детерминирован
	second := mustStart(t, h, 1, 101)

	// План даунгрейднулся до одного бота.
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if s := getSession(t, h, first); s.OverQuota {
		t.Error("oldest session must stay within quota")
	}
	s := getSession(t, h, second)
	if !s.OverQuota {
		t.Error("newest session must be flagged over quota")
	}
	if s.Status == domain.SessionStatusStopped {
		t.Error("over-quota session must not be stopped without enforcement")
	}
}

func TestSweepEnforcesQuota(t *testing.T) {
	h := newHarness(5)
	r := newTestReconciler(h, func(cfg *ReconcilerConfig) {
		cfg.DefaultLimit = 1
		cfg.EnforceQuota = true
	})

	first := mustStart(t, h, 1, 100)
	time.Sleep(5 * time.Millisecond)
	second := mustStart(t, h, 1, 101)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if s := getSession(t, h, first); s.Status == domain.SessionStatusStopped {
		t.Error("oldest session must survive enforcement")
	}
	s := getSession(t, h, second)
	if s.Status != domain.SessionStatusStopped {
		t.Fatalf("expected over-quota session to be stopped, got %s", s.Status)
	}
	if len(h.driver.stopCalls) != 1 || h.driver.stopCalls[0] != second.BackendJobID {
		t.Errorf("expected driver stop for %q, got %v", second.BackendJobID, h.driver.stopCalls)
	}
}
