// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// RabbitMQ не хранит jobs: источник истины — брокер очередей (internal/broker).
// Через RabbitMQ идут только события:
//   - job.enqueued — в очередь поставлен новый job; воркеры просыпаются,
//     не дожидаясь следующего polling
//   - job.dead     — job исчерпал попытки; копия уходит в DLQ для ручного разбора
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление событий
//
// Exchanges:
//   - trendline.jobs — события jobs (topic, routing key "enqueued.<queue>")
//   - trendline.dlq  — dead letter (direct)
package mq
