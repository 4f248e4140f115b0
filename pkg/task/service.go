package task

import "github.com/hibiken/asynq"

// Enqueuer is the narrow slice of the asynq client services depend on, so
// tests can swap in a recording fake without a redis connection.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return client
}
