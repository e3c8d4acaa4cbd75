package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dumcel/deployer/pkg/api/client"
)

// Claimer hands out queued deployments.
type Claimer interface {
	Claim(ctx context.Context) (client.Claim, bool, error)
}

// Runner builds one claimed deployment.
type Runner interface {
	Run(ctx context.Context, claim client.Claim) error
}

// Status is a point-in-time view of the pool.
type Status struct {
	Capacity    int       `json:"capacity"`
	Active      int       `json:"active"`
	Ready       int64     `json:"ready"`
	Failed      int64     `json:"failed"`
	LastClaimAt time.Time `json:"lastClaimAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Pool polls for queued deployments and runs at most Capacity of them at once.
type Pool struct {
	claimer  Claimer
	runner   Runner
	interval time.Duration
	logger   *slog.Logger
	slots    chan struct{}
	wg       sync.WaitGroup

	mu     sync.Mutex
	status Status
}

// NewPool constructs a pool.
func NewPool(claimer Claimer, runner Runner, concurrency int, interval time.Duration, logger *slog.Logger) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Pool{
		claimer:  claimer,
		runner:   runner,
		interval: interval,
		logger:   logger,
		slots:    make(chan struct{}, concurrency),
		status:   Status{Capacity: concurrency},
	}
}

// Run polls until ctx is cancelled, then waits for in-flight builds to finish.
// Builds are detached from ctx so shutdown never interrupts a step midway.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "concurrency", cap(p.slots), "poll_interval", p.interval.String())
	defer func() {
		p.wg.Wait()
		p.logger.Info("worker pool drained")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case p.slots <- struct{}{}:
		}

		claim, ok, err := p.claimer.Claim(ctx)
		switch {
		case err != nil:
			<-p.slots
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			p.recordError(err)
			p.logger.Warn("claim failed", "error", err)
		case !ok:
			<-p.slots
		default:
			p.start(context.WithoutCancel(ctx), claim)
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(p.interval):
		}
	}
}

func (p *Pool) start(ctx context.Context, claim client.Claim) {
	p.mu.Lock()
	p.status.Active++
	p.status.LastClaimAt = time.Now().UTC()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()

		err := p.runner.Run(ctx, claim)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.status.Active--
		if err != nil {
			p.status.Failed++
			p.status.LastError = err.Error()
			return
		}
		p.status.Ready++
	}()
}

func (p *Pool) recordError(err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.mu.Unlock()
}

// Status reports pool occupancy and totals.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
