// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go     — Handler с DI (фасад оркестрации, reconciler, logger)
//   - routes.go      — регистрация маршрутов
//   - middleware.go  — middleware (logging, recovery)
//   - response.go    — унифицированные JSON-ответы и обработка ошибок
//   - dto.go         — Data Transfer Objects (request/response)
//   - bot_handler.go — обработчики для /bots и /reconcile
//
// API предоставляет REST endpoints для запуска, остановки и опроса
// ботов и отправки им команд.
package api
