// Package rabbitmq provides the RabbitMQ side of an amqp-endpoint.
//
// This package includes:
//   - ConnectionManager: dials broker connections with a bounded timeout
//   - DeclareTopology: idempotent exchange, queue and binding declarations
//   - Consumer: the receive, acknowledge, process, publish loop
//   - Publisher: persistent response publishing
//
// Connection and Channel are small interfaces over amqp091-go so the
// consumer loop can be driven by the in-memory broker in rabbitmqtest.
package rabbitmq
