package driver

import (
	"context"
	"strconv"
	"time"
)

// LaunchRequest — параметры запуска воркера.
//
// Все поля неизменяемы после dispatch и передаются воркеру через
// метаданные бэкенда. UserToken не сохраняется в session — он только
// пробрасывается воркеру для авторизации стрима.
type LaunchRequest struct {
	UserID          int64
	MeetingID       int64
	NativeMeetingID string
	Platform        string
	MeetingURL      string
	BotName         string
	Language        string
	Task            string
	UserToken       string
}

// StartResult — результат dispatch.
//
// ConnectionID заполняется всегда, даже когда Start возвращает
// ErrDispatchAmbiguous: воркер мог реально запуститься, и session
// должна остаться адресуемой для Reconciler.
type StartResult struct {
	// BackendJobID — идентификатор job/контейнера в бэкенде.
	BackendJobID string

	// ConnectionID — свежесгенерированный ключ адресации session.
	ConnectionID string
}

// WorkerSnapshot — наблюдение одного работающего воркера в бэкенде.
//
// Метаданные восстанавливаются из того, что хранит сам бэкенд, а не из
// локальной таблицы sessions — это ground truth для Reconciler.
type WorkerSnapshot struct {
	BackendJobID    string
	ConnectionID    string
	UserID          int64
	MeetingID       int64
	NativeMeetingID string
	Platform        string
	BotName         string
}

// Driver — абстракция над одной кластерной технологией.
//
// Реализации (Nomad, Docker) различаются формой dispatch, поэтому
// интерфейс намеренно грубый: start/stop/status/list, без утечки
// backend-специфичных объектов наружу.
type Driver interface {
	// Start выполняет ровно один исходящий dispatch-вызов.
	// Повторный dispatch при сетевой ошибке запрещён: неоднозначный
	// ответ (запрос мог дойти) возвращается как ErrDispatchAmbiguous,
	// решение о retry принимает Reconciler.
	Start(ctx context.Context, req *LaunchRequest) (StartResult, error)

	// Stop останавливает воркер best-effort. false не означает, что
	// воркер ещё жив — возможно, job уже исчез из бэкенда.
	Stop(ctx context.Context, backendJobID string) (bool, error)

	// IsRunning проверяет, жив ли воркер. "Job не найден" — это чистое
	// (false, nil); транспортная ошибка — ErrBackendUnavailable, её
	// нельзя трактовать как "не работает".
	IsRunning(ctx context.Context, backendJobID string) (bool, error)

	// ListRunningForUser возвращает снимки всех работающих воркеров
	// пользователя по данным бэкенда. Используется только Reconciler.
	ListRunningForUser(ctx context.Context, userID int64) ([]WorkerSnapshot, error)

	// Name возвращает имя бэкенда для логов и метрик.
	Name() string
}

// defaultTimeout — таймаут на один вызов бэкенда.
// Короткий: зависший вызов не должен держать слот квоты
// или блокировать проход Reconciler по остальным пользователям.
const defaultTimeout = 5 * time.Second

// Ключи метаданных запуска. Бэкенд — единственный канал передачи
// параметров воркеру, поэтому набор ключей стабилен для обоих драйверов.
const (
	metaUserID          = "user_id"
	metaMeetingID       = "meeting_id"
	metaMeetingURL      = "meeting_url"
	metaPlatform        = "platform"
	metaBotName         = "bot_name"
	metaUserToken       = "user_token"
	metaNativeMeetingID = "native_meeting_id"
	metaConnectionID    = "connection_id"
	metaLanguage        = "language"
	metaTask            = "task"
)

// launchMeta собирает метаданные запуска в строковую map.
// Отсутствующие поля кодируются пустой строкой, а не опускаются:
// query-интерфейсы бэкендов ненадёжно работают со sparse-полями.
func launchMeta(req *LaunchRequest, connectionID string) map[string]string {
	return map[string]string{
		metaUserID:          strconv.FormatInt(req.UserID, 10),
		metaMeetingID:       strconv.FormatInt(req.MeetingID, 10),
		metaMeetingURL:      req.MeetingURL,
		metaPlatform:        req.Platform,
		metaBotName:         req.BotName,
		metaUserToken:       req.UserToken,
		metaNativeMeetingID: req.NativeMeetingID,
		metaConnectionID:    connectionID,
		metaLanguage:        req.Language,
		metaTask:            req.Task,
	}
}

// snapshotFromMeta восстанавливает WorkerSnapshot из метаданных бэкенда.
func snapshotFromMeta(backendJobID string, meta map[string]string) WorkerSnapshot {
	userID, _ := strconv.ParseInt(meta[metaUserID], 10, 64)
	meetingID, _ := strconv.ParseInt(meta[metaMeetingID], 10, 64)

	return WorkerSnapshot{
		BackendJobID:    backendJobID,
		ConnectionID:    meta[metaConnectionID],
		UserID:          userID,
		MeetingID:       meetingID,
		NativeMeetingID: meta[metaNativeMeetingID],
		Platform:        meta[metaPlatform],
		BotName:         meta[metaBotName],
	}
}
