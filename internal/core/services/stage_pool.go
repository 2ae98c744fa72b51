package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manthysbr/scriptdeck/internal/core/domain"
)

// StagePool is a fixed set of workers dedicated to one stage kind. Pools are
// created once per process and shared by every job, so a slow image backend
// only ever occupies the illustrate workers.
type StagePool struct {
	logger  *slog.Logger
	kind    domain.StageKind
	workers int

	tasks     chan func()
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStagePool starts workers goroutines for kind. workers < 1 is treated as 1.
func NewStagePool(logger *slog.Logger, kind domain.StageKind, workers int) *StagePool {
	if workers < 1 {
		workers = 1
	}
	p := &StagePool{
		logger:  logger.With("stage", kind),
		kind:    kind,
		workers: workers,
		tasks:   make(chan func()),
		quit:    make(chan struct{}),
	}

	p.logger.Info("stage pool starting", "workers", workers)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop(i)
	}
	return p
}

func (p *StagePool) Kind() domain.StageKind { return p.kind }

func (p *StagePool) Workers() int { return p.workers }

// Submit hands task to an idle worker, blocking until one accepts it.
// It fails with domain.ErrPoolClosed after Shutdown, or with ctx.Err().
func (p *StagePool) Submit(ctx context.Context, task func()) error {
	select {
	case <-p.quit:
		return domain.ErrPoolClosed
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.quit:
		return domain.ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting work and returns immediately. Tasks already
// accepted by a worker run to completion.
func (p *StagePool) Shutdown() {
	p.closeOnce.Do(func() {
		close(p.quit)
		p.logger.Info("stage pool shutting down")
	})
}

// Wait blocks until every worker has exited. Only meaningful after Shutdown.
func (p *StagePool) Wait() {
	p.wg.Wait()
}

func (p *StagePool) loop(worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case task := <-p.tasks:
			p.run(worker, task)
		}
	}
}

func (p *StagePool) run(worker int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stage task panicked", "worker", worker, "panic", r)
		}
	}()
	task()
}
