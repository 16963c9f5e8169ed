package reminders

import (
	"context"
	"fmt"
	"time"

	"ms-tripbooking/internal/config"
	"ms-tripbooking/internal/logger"

	"github.com/hibiken/asynq"
)

func RedisOpt(rc config.RedisConfig, queueDB int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       queueDB,
	}
}

func NewServer(opt asynq.RedisClientOpt, concurrency int, log *logger.Logger) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			log.Error("REMINDER", fmt.Sprintf("%s failed (retry %d): %v", task.Type(), retried, err))
		}),
	})
}

func NewMux(svc *Service) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSweep, svc.HandleSweep)
	mux.HandleFunc(TypeSend, svc.HandleSend)
	return mux
}

// NewScheduler registers the periodic sweep on cronspec, evaluated in UTC.
func NewScheduler(opt asynq.RedisClientOpt, cronspec string, log *logger.Logger) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: time.UTC})
	id, err := scheduler.Register(cronspec, NewSweepTask())
	if err != nil {
		return nil, fmt.Errorf("register sweep %q: %w", cronspec, err)
	}
	log.LogProcess("REMINDER_SCHEDULER", fmt.Sprintf("sweep registered as %s on %q", id, cronspec))
	return scheduler, nil
}
