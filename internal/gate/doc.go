// Package gate реализует Concurrency Gate — учёт квоты одновременных
// ботов на пользователя.
//
// Лимит берётся из плана пользователя (PlanResolver), при отсутствии
// плана — дефолт из конфигурации. Счётчик занятых слотов не хранится
// отдельно, а выводится из активных sessions в хранилище: один источник
// истины, нечему расходиться после рестартов.
package gate
