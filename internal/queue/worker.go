package queue

import (
	"context"
	"fmt"
	"time"

	"chart-stream/internal/metrics"

	"github.com/sirupsen/logrus"
)

// HandlerFunc processes one job. Returning an error schedules a retry until
// the job's attempt budget is spent.
type HandlerFunc func(ctx context.Context, job *Job) error

// Worker consumes the queue and dispatches jobs by kind.
type Worker struct {
	queue    *Queue
	handlers map[string]HandlerFunc
	logger   *logrus.Logger

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewWorker(queue *Queue, logger *logrus.Logger) *Worker {
	return &Worker{
		queue:    queue,
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Register installs the handler for a job kind. Must be called before Start.
func (w *Worker) Register(kind string, h HandlerFunc) {
	w.handlers[kind] = h
}

// Start launches the consume and promotion loops.
func (w *Worker) Start(ctx context.Context) {
	go w.promoteLoop(ctx)
	go w.consumeLoop(ctx)
}

func (w *Worker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("Failed to promote delayed jobs")
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context) {
	defer close(w.doneChan)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.pop(ctx, 1*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.WithError(err).Warn("Queue pop failed")
			select {
			case <-w.stopChan:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.logger.Errorf("No handler for job kind %q, job %s discarded", job.Kind, job.ID)
		job.LastError = fmt.Sprintf("no handler for kind %q", job.Kind)
		job.AttemptsMade = job.MaxAttempts
		if err := w.queue.fail(ctx, job); err != nil {
			w.logger.WithError(err).Error("Failed to record failed job")
		}
		metrics.QueueJobs.WithLabelValues(job.Kind, "failed").Inc()
		return
	}

	err := handler(ctx, job)
	if err == nil {
		metrics.QueueJobs.WithLabelValues(job.Kind, "completed").Inc()
		return
	}

	job.AttemptsMade++
	job.LastError = err.Error()

	if job.AttemptsMade < job.MaxAttempts {
		w.logger.WithError(err).Warnf("Job %s (%s) failed, retry %d/%d scheduled",
			job.ID, job.Kind, job.AttemptsMade, job.MaxAttempts)
		if rerr := w.queue.retry(ctx, job); rerr != nil {
			w.logger.WithError(rerr).Error("Failed to schedule retry")
		}
		metrics.QueueJobs.WithLabelValues(job.Kind, "retried").Inc()
		return
	}

	w.logger.WithError(err).Errorf("Job %s (%s) failed terminally after %d attempts",
		job.ID, job.Kind, job.AttemptsMade)
	if ferr := w.queue.fail(ctx, job); ferr != nil {
		w.logger.WithError(ferr).Error("Failed to record failed job")
	}
	metrics.QueueJobs.WithLabelValues(job.Kind, "failed").Inc()
}

// Stop halts consumption, then drains whatever is still waiting until the
// context deadline expires.
func (w *Worker) Stop(ctx context.Context) {
	close(w.stopChan)
	<-w.doneChan

	for {
		if ctx.Err() != nil {
			w.logger.Warn("Queue drain deadline reached")
			return
		}

		job, err := w.queue.pop(ctx, 100*time.Millisecond)
		if err != nil || job == nil {
			return
		}
		w.process(ctx, job)
	}
}
