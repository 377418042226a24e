// Package cli содержит реализацию CLI-инструмента protokol.
//
// Структура:
//   - client.go — HTTP-клиент для Protokol API
//   - output.go — форматирование вывода (таблицы, JSON)
//   - bot.go    — команды bot start/list/show/stop/send и reconcile
//
// CLI не импортирует internal/api: типы запросов и ответов
// продублированы, контракт — JSON на проводе.
package cli
