// Package config собирает конфигурацию сервиса из окружения.
//
// Конфигурация читается один раз при старте процесса (Load) в
// неизменяемую структуру и передаётся компонентам явно. Адрес бэкенда,
// имя job, таймауты и политики Reconciler — всё здесь; чтение
// окружения внутри request path запрещено.
package config
