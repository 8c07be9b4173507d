package queue

const (
	OutboundStream = "mailer:outbound"
	ConsumerGroup  = "mailer-consumers"
	JobStream      = "mailer:jobs"

	jobStreamMaxLen = 10000
)

// OutboundMessage is a composed message another service wants delivered.
type OutboundMessage struct {
	RequestID string
	Message   string
}
