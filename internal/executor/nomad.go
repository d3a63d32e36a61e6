package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	nomadapi "github.com/hashicorp/nomad/api"
	"go.uber.org/zap"

	"sitewatch/internal/domain"
)

var _ Backend = (*Nomad)(nil)

// NomadConfig points at a parameterized batch job whose task runs
// sitewatch-agent against the dispatch payload.
type NomadConfig struct {
	Address      string
	JobID        string
	TaskName     string        // defaults to "probe"
	Concurrency  int           // max outstanding dispatches
	PollInterval time.Duration // allocation status poll cadence
}

// Nomad dispatches each task as a parameterized batch job. The dispatched
// allocation runs the probe and prints the CheckResult JSON on stdout, which
// the backend reads back once the allocation reaches a terminal state. A
// failed or lost allocation surfaces as a regular failed result, never as a
// scheduler fault.
type Nomad struct {
	client *nomadapi.Client
	cfg    NomadConfig
	log    *zap.Logger

	sem     chan struct{}
	results chan domain.CheckResult
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewNomad(cfg NomadConfig, log *zap.Logger) (*Nomad, error) {
	apiCfg := nomadapi.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	client, err := nomadapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("nomad client: %w", err)
	}
	if cfg.TaskName == "" {
		cfg.TaskName = "probe"
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Nomad{
		client:  client,
		cfg:     cfg,
		log:     log,
		sem:     make(chan struct{}, cfg.Concurrency),
		results: make(chan domain.CheckResult, cfg.Concurrency),
	}, nil
}

// Healthy checks connectivity to the Nomad agent.
func (n *Nomad) Healthy() error {
	_, err := n.client.Agent().NodeName()
	return err
}

func (n *Nomad) Submit(task Task) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrCapacity
	}
	select {
	case n.sem <- struct{}{}:
	default:
		n.mu.Unlock()
		return ErrCapacity
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go n.dispatch(task)
	return nil
}

func (n *Nomad) Results() <-chan domain.CheckResult {
	return n.results
}

func (n *Nomad) dispatch(task Task) {
	defer n.wg.Done()
	defer func() { <-n.sem }()

	payload, err := json.Marshal(task)
	if err != nil {
		n.results <- n.failed(task, fmt.Sprintf("marshal task: %v", err))
		return
	}

	meta := map[string]string{"target_id": string(task.Target.ID)}
	resp, _, err := n.client.Jobs().Dispatch(n.cfg.JobID, meta, payload, "", nil)
	if err != nil {
		n.results <- n.failed(task, fmt.Sprintf("dispatch: %v", err))
		return
	}

	// Budget: task timeout plus scheduling slack. Past that the worker is
	// presumed lost.
	deadline := time.Now().Add(task.Timeout + 2*time.Minute)
	alloc, status, err := n.awaitAllocation(resp.DispatchedJobID, deadline)
	if err != nil {
		n.results <- n.failed(task, err.Error())
		return
	}
	if status != "complete" {
		n.results <- n.failed(task, fmt.Sprintf("allocation %s", status))
		return
	}

	res, err := n.readResult(alloc)
	if err != nil {
		n.results <- n.failed(task, fmt.Sprintf("read result: %v", err))
		return
	}
	res.TargetID = task.Target.ID
	n.results <- res
}

// awaitAllocation polls the dispatched job until its allocation is terminal.
func (n *Nomad) awaitAllocation(jobID string, deadline time.Time) (*nomadapi.Allocation, string, error) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if time.Now().After(deadline) {
			return nil, "", fmt.Errorf("allocation for %s never finished (worker lost?)", jobID)
		}
		stubs, _, err := n.client.Jobs().Allocations(jobID, false, nil)
		if err != nil {
			n.log.Warn("nomad_alloc_poll_error", zap.String("job", jobID), zap.Error(err))
			continue
		}
		for _, stub := range stubs {
			switch stub.ClientStatus {
			case "complete", "failed", "lost":
				alloc, _, err := n.client.Allocations().Info(stub.ID, nil)
				if err != nil {
					return nil, "", fmt.Errorf("allocation info: %w", err)
				}
				return alloc, stub.ClientStatus, nil
			}
		}
	}
	return nil, "", fmt.Errorf("allocation poll stopped")
}

// readResult pulls the agent's stdout and decodes the result JSON.
func (n *Nomad) readResult(alloc *nomadapi.Allocation) (domain.CheckResult, error) {
	var res domain.CheckResult

	cancel := make(chan struct{})
	defer close(cancel)
	frames, errCh := n.client.AllocFS().Logs(alloc, false, n.cfg.TaskName, "stdout", "start", 0, cancel, nil)

	var buf bytes.Buffer
	for frames != nil {
		select {
		case frame, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			if frame != nil {
				buf.Write(frame.Data)
			}
		case err := <-errCh:
			if err != nil {
				return res, fmt.Errorf("stream logs: %w", err)
			}
		}
	}

	out := bytes.TrimSpace(buf.Bytes())
	if len(out) == 0 {
		return res, fmt.Errorf("empty agent output")
	}
	// The result is the last line; anything before it is incidental output.
	if i := bytes.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return res, fmt.Errorf("decode agent output: %w", err)
	}
	return res, nil
}

func (n *Nomad) failed(task Task, detail string) domain.CheckResult {
	n.log.Warn("nomad_task_failed",
		zap.String("target_id", string(task.Target.ID)),
		zap.String("detail", detail),
	)
	return domain.CheckResult{
		TargetID:     task.Target.ID,
		CheckedAt:    time.Now().UTC(),
		Reason:       domain.ReasonUnknown,
		ReasonDetail: detail,
	}
}

func (n *Nomad) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
