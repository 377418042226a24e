// Package driver реализует Backend Driver — адаптер между абстрактными
// операциями оркестрации и API конкретной кластерной технологии.
//
// Контракт:
//   - Start  — ровно один dispatch-вызов, свежий connection_id на каждый
//     dispatch, неоднозначный результат — ErrDispatchAmbiguous (без retry)
//   - Stop   — best-effort, false не означает "ещё работает"
//   - IsRunning — "не найден" это (false, nil), транспортная ошибка —
//     ErrBackendUnavailable
//   - ListRunningForUser — ground truth для Reconciler, метаданные из
//     хранилища бэкенда
//
// Реализации:
//   - NomadDriver  — dispatch параметризованного Nomad job (Meta map)
//   - DockerDriver — контейнер через Docker Engine API (labels + env)
//
// Фасад держит ровно одну реализацию, выбранную конфигурацией при
// старте, и никогда не ветвится по типу бэкенда.
package driver
