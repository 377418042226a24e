// Package command реализует Command Channel — key-addressed pub/sub
// для push-команд работающим воркерам.
//
// Адресация: один логический канал на connection_id, ключ маршрутизации
// выводится детерминированно (RoutingKey). Какой бэкенд запустил
// воркера — каналу безразлично.
//
// Семантика: fire-and-forget, at-most-once, без персистентности.
// Воркер, не подписанный в момент публикации, команду пропускает.
// Гарантированная доставка не обещается: вызывающий делает
// status-проверку по таймауту и эскалирует в Driver.Stop.
package command
