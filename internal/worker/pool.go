package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Drainer admits whatever queued work is ready to run.
type Drainer interface {
	Drain(ctx context.Context) []string
}

// Pool ticks every pollEvery and drains each registered Drainer. Concurrency
// limits live in the drained queues themselves.
type Pool struct {
	drainers  []Drainer
	pollEvery time.Duration
	log       zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewPool(pollEvery time.Duration, logger zerolog.Logger, drainers ...Drainer) *Pool {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Pool{
		drainers:  drainers,
		pollEvery: pollEvery,
		log:       logger,
		stop:      make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	p.log.Info().Dur("poll_every", p.pollEvery).Int("drainers", len(p.drainers)).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("worker pool stopped")
			return
		case <-p.stop:
			p.log.Info().Msg("worker pool stopped")
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	for _, d := range p.drainers {
		if ids := d.Drain(ctx); len(ids) > 0 {
			p.log.Debug().Int("admitted", len(ids)).Msg("drained tasks")
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}
