package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/domain"
	"sitewatch/internal/probe"
)

var _ Backend = (*Pool)(nil)

// PoolConfig sizes the local pool. Attempts and Backoff describe the retry
// budget the prober may spend on one task, so the worker's outer bound never
// cuts a retry loop short.
type PoolConfig struct {
	Workers    int
	QueueDepth int
	Attempts   int
	Backoff    time.Duration
}

// Pool runs tasks on a fixed set of local workers. The task queue is bounded;
// a full queue rejects with ErrCapacity instead of blocking the submitter.
type Pool struct {
	prober  probe.Prober
	cfg     PoolConfig
	log     *zap.Logger
	tasks   chan Task
	results chan domain.CheckResult
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewPool(prober probe.Prober, cfg PoolConfig, log *zap.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = cfg.Workers
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	p := &Pool{
		prober: prober,
		cfg:    cfg,
		log:    log,
		tasks:  make(chan Task, cfg.QueueDepth),
		// Sized so no worker ever blocks on delivery even if the consumer
		// lags a full queue behind.
		results: make(chan domain.CheckResult, cfg.QueueDepth+cfg.Workers),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrCapacity
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrCapacity
	}
}

func (p *Pool) Results() <-chan domain.CheckResult {
	return p.results
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), p.lifetime(task.Timeout))
		res := p.prober.Probe(ctx, task.Target)
		cancel()
		p.log.Debug("pool_task_done",
			zap.Int("worker", id),
			zap.String("target_id", string(task.Target.ID)),
			zap.Bool("success", res.Success),
		)
		p.results <- res
	}
}

// lifetime bounds one whole task: every attempt's timeout plus the backoff
// pauses between them, with slack on top. The per-attempt budget itself lives
// in the prober's HTTP client; this bound only keeps a wedged probe from
// pinning a worker forever, and must never cut the retry loop short.
func (p *Pool) lifetime(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return time.Minute
	}
	attempts := time.Duration(p.cfg.Attempts)
	return attempts*timeout + (attempts-1)*p.cfg.Backoff + 5*time.Second
}

// Close stops intake and waits for queued work to finish, up to ctx's
// deadline.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
