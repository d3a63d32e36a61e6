// sitewatch-agent runs exactly one probe. It is the task body of the
// Nomad parameterized job: the dispatch payload (an executor.Task) arrives as
// a file, the CheckResult leaves as one JSON line on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sitewatch/internal/executor"
	"sitewatch/internal/probe"
)

func main() {
	payloadPath := flag.String("payload", "", "path to the task payload JSON (default: $NOMAD_TASK_DIR/task.json)")
	retries := flag.Int("retries", 3, "probe attempts for transient failures")
	backoff := flag.Duration("backoff", 300*time.Millisecond, "pause between probe attempts")
	flag.Parse()

	if err := run(*payloadPath, *retries, *backoff); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(payloadPath string, retries int, backoff time.Duration) error {
	if payloadPath == "" {
		dir := os.Getenv("NOMAD_TASK_DIR")
		if dir == "" {
			return fmt.Errorf("no -payload given and NOMAD_TASK_DIR not set")
		}
		payloadPath = filepath.Join(dir, "task.json")
	}

	raw, err := os.ReadFile(payloadPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	var task executor.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if task.Timeout <= 0 {
		task.Timeout = 10 * time.Second
	}

	prober := &probe.Retry{
		Inner:    probe.NewHTTPProber(task.Timeout),
		Attempts: retries,
		Backoff:  backoff,
	}

	// Per-attempt budget is the prober's client timeout; the outer bound just
	// keeps a wedged retry loop from hanging the allocation.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(retries+1)*task.Timeout)
	defer cancel()
	res := prober.Probe(ctx, task.Target)

	out, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
