package pipeline

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"esb-runtime/pkg/logger"
)

type Worker struct {
	id      int
	jobChan <-chan Job
	pool    *Pool
	wg      *sync.WaitGroup
}

func (w *Worker) Start(ctx context.Context) {
	log := logger.Get().With("pool", w.pool.cfg.Name, "worker", w.id)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// the queue is closed on shutdown, after which the remaining jobs
		// are still drained
		for job := range w.jobChan {
			w.run(ctx, job)
		}
		log.Debugw("worker exiting", "reason", "queue closed")
	}()
}

// run executes one job. A panicking job is logged and counted; it never
// takes the worker down with it.
func (w *Worker) run(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.pool.metrics.IncPanicked()
			logger.Get().Errorw("job panicked",
				"pool", w.pool.cfg.Name,
				"worker", w.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			return
		}
		w.pool.metrics.AddLatency(time.Since(start).Milliseconds())
		w.pool.metrics.IncCompleted()
	}()
	job(ctx)
}
