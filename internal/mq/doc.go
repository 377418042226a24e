// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges
//
// Exchanges:
//   - protokol.commands — команды работающим ботам, direct-маршрутизация
//     по ключу, производному от connection_id
//
// Семантика доставки команд (at-most-once, без персистентности)
// реализована уровнем выше, в пакете command.
package mq
