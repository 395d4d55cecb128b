package domain

// Queue publishes terminal decision events for downstream consumers
// (notifications, admin dashboards). The agents subsystem only emits.
type Queue interface {
	IsHealthy() bool
	PublishMessage(queueName, body string) error
	Close() error
}
