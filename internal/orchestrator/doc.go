// Package orchestrator — ядро подсистемы управления ботами.
//
// Состоит из трёх частей:
//   - Orchestrator — фасад запуска/остановки/опроса ботов. Связывает
//     Concurrency Gate, Backend Driver и Command Channel в один
//     последовательный сценарий;
//   - Reconciler — периодическая сверка таблицы sessions с фактическим
//     состоянием бэкенда и устранение дрейфа;
//   - Retention — очистка терминальных sessions по расписанию.
//
// Источник истины о занятых слотах квоты — таблица sessions; источник
// истины о живых воркерах — бэкенд. Reconciler сводит их друг к другу.
package orchestrator
