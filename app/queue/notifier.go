package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

// JobNotifier announces newly written pending jobs so the worker pool does
// not have to poll delayed_jobs for them.
type JobNotifier struct {
	client *redis.Client
}

func NewJobNotifier(client *redis.Client) *JobNotifier {
	return &JobNotifier{client: client}
}

// Notify appends the job reference to the job stream. The stream is capped;
// the delayed_jobs row stays the source of truth.
func (n *JobNotifier) Notify(ctx context.Context, job entity.Job) error {
	_, err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: JobStream,
		MaxLen: jobStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"job_id": strconv.FormatInt(job.ID, 10),
			"run_at": job.RunAt.UTC().Format(time.RFC3339),
			"queue":  job.QueueName,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", JobStream, err)
	}
	return nil
}
