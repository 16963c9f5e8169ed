package reminders

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeSweep = "reminder:sweep"
	TypeSend  = "reminder:send"

	Queue = "reminders"
)

type SendPayload struct {
	ObligationID int64  `json:"obligation_id"`
	Kind         string `json:"kind"`
	Day          string `json:"day"`
}

// NewSendTask builds a reminder:send task. The task ID pins one reminder per obligation per day.
func NewSendTask(p SendPayload) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(Queue),
		asynq.TaskID(fmt.Sprintf("reminder:%d:%s", p.ObligationID, p.Day)),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
		asynq.Retention(48 * time.Hour),
	}
	return asynq.NewTask(TypeSend, b), opts, nil
}

func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweep, nil, asynq.Queue(Queue), asynq.MaxRetry(3))
}
