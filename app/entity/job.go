package entity

import "time"

const DeliverHandler = "deliver"

// Payload is anything that may be persisted as a job. The worker pool
// dispatches on HandlerName.
type Payload interface {
	HandlerName() string
}

// Job is one durable row. Rows are only ever inserted: a retry is a new
// pending row, an exhausted send is a new failed row.
type Job struct {
	ID        int64
	Priority  int
	QueueName string
	Payload   []byte
	RunAt     time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	FailedAt  *time.Time
	LastError *string
}

// NewJob builds an unsaved job row carrying the encoded payload.
func NewJob(payload Payload, priority int, queueName string, runAt time.Time, now time.Time) (Job, error) {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		Priority:  priority,
		QueueName: queueName,
		Payload:   encoded,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MarkFailed sets the terminal failure fields together.
func (j *Job) MarkFailed(cause error, at time.Time) {
	msg := cause.Error()
	j.FailedAt = &at
	j.LastError = &msg
}

func (j Job) Pending() bool {
	return j.FailedAt == nil
}

func (j Job) Failed() bool {
	return j.FailedAt != nil
}
