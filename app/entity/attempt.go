package entity

// DeliveryAttempt is one try at delivering a logical send. A new value is
// built for every retry; AttemptNumber grows by exactly one each time.
type DeliveryAttempt struct {
	DeliveryID    string           `yaml:"delivery_id"`
	MessageID     string           `yaml:"message_id,omitempty"`
	AttemptNumber int              `yaml:"attempt_number"`
	Settings      DeliverySettings `yaml:"settings"`
	From          string           `yaml:"from"`
	To            []string         `yaml:"to"`
	Message       string           `yaml:"message"`
}

// HandlerName identifies the unit of work the worker pool runs for this payload.
func (a DeliveryAttempt) HandlerName() string {
	return DeliverHandler
}

// Next returns the attempt that follows a failure of a.
func (a DeliveryAttempt) Next() DeliveryAttempt {
	next := a
	next.AttemptNumber = a.AttemptNumber + 1
	next.To = append([]string(nil), a.To...)
	return next
}

// MaxAttempts returns the retry ceiling carried by the attempt's settings.
func (a DeliveryAttempt) MaxAttempts() *int {
	return a.Settings.MaxAttempts
}
