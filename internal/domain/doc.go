// Package domain содержит доменные типы подсистемы оркестрации ботов.
//
// Основные сущности:
//   - Session — запись об одной попытке запуска бота и её жизненном цикле
//   - SessionStatus — статусы session (PENDING/RUNNING/STOPPED/FAILED/UNKNOWN)
//
// Доменные типы не знают про БД, RabbitMQ и конкретные бэкенды —
// это чистые структуры, используемые всеми слоями.
package domain
