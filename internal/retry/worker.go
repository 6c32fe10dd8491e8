// Package retry re-issues ledger transfers that failed after an escrow
// became terminal.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// FailedSource lists transfers waiting for a retry.
type FailedSource interface {
	FailedTransfers(maxAttempts int) ([]*escrow.TransferRecord, error)
}

// Retrier re-issues the failed transfer of one escrow.
type Retrier interface {
	RetryTransfer(ctx context.Context, id string) error
}

// Config configures the retry worker behavior.
type Config struct {
	PollInterval time.Duration // How often to look for failed transfers
	MaxAttempts  int           // Give up after this many attempts (0 = never)
	BaseBackoff  time.Duration // Wait after the first failure
	MaxBackoff   time.Duration // Upper bound for the doubling backoff
	BatchSize    int           // Max transfers to retry per poll
	Clock        escrow.Clock  // nil uses the system clock
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		MaxAttempts:  5,
		BaseBackoff:  10 * time.Second,
		MaxBackoff:   10 * time.Minute,
		BatchSize:    50,
	}
}

// Result reports one retry attempt.
type Result struct {
	EscrowID string
	Kind     escrow.TransferKind
	Attempt  int
	Err      error
}

// Worker periodically retries failed transfers with exponential backoff.
type Worker struct {
	source   FailedSource
	retrier  Retrier
	config   Config
	log      *logging.Logger
	onResult func(Result)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewWorker creates a new retry worker.
func NewWorker(source FailedSource, retrier Retrier, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = escrow.SystemClock{}
	}

	return &Worker{
		source:  source,
		retrier: retrier,
		config:  cfg,
		log:     logging.GetDefault().Component("retry-worker"),
	}
}

// OnResult registers a callback invoked after every attempt.
func (w *Worker) OnResult(fn func(Result)) {
	w.mu.Lock()
	w.onResult = fn
	w.mu.Unlock()
}

// Start starts the retry worker background goroutine. It is a no-op if
// already running.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)
	w.log.Info("Retry worker started", "poll_interval", w.config.PollInterval, "max_attempts", w.config.MaxAttempts)
}

// Stop stops the retry worker and waits for the current poll to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
	w.log.Info("Retry worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Pick up failures left over from a previous run
	w.ProcessRetries(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessRetries(ctx)
		}
	}
}

// ProcessRetries retries every failed transfer whose backoff has elapsed
// and returns the number of attempts made.
func (w *Worker) ProcessRetries(ctx context.Context) int {
	records, err := w.source.FailedTransfers(w.config.MaxAttempts)
	if err != nil {
		w.log.Warn("Failed to list failed transfers", "error", err)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	w.log.Debug("Processing failed transfers", "count", len(records))

	now := w.config.Clock.Now()
	attempts := 0
	for _, rec := range records {
		if attempts >= w.config.BatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return attempts
		default:
		}

		if next := rec.CreatedAt.Add(w.Backoff(rec.Attempt)); now.Before(next) {
			w.log.Debug("Transfer retry not due",
				"id", rec.EscrowID,
				"attempt", rec.Attempt,
				"next", next.Format(time.TimeOnly))
			continue
		}

		attempts++
		err := w.retrier.RetryTransfer(ctx, rec.EscrowID)
		switch {
		case err == nil:
			w.log.Info("Transfer retry succeeded", "id", rec.EscrowID, "kind", rec.Kind, "attempt", rec.Attempt+1)
		case w.config.MaxAttempts > 0 && rec.Attempt+1 >= w.config.MaxAttempts:
			w.log.Error("Transfer retry failed, giving up",
				"id", rec.EscrowID,
				"kind", rec.Kind,
				"attempts", rec.Attempt+1,
				"error", err)
		default:
			w.log.Warn("Transfer retry failed", "id", rec.EscrowID, "attempt", rec.Attempt+1, "error", err)
		}

		w.mu.Lock()
		fn := w.onResult
		w.mu.Unlock()
		if fn != nil {
			fn(Result{EscrowID: rec.EscrowID, Kind: rec.Kind, Attempt: rec.Attempt + 1, Err: err})
		}
	}
	return attempts
}

// Backoff returns how long to wait after the given number of failed
// attempts: BaseBackoff doubling per attempt, capped at MaxBackoff.
func (w *Worker) Backoff(attempt int) time.Duration {
	backoff := w.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= w.config.MaxBackoff {
			return w.config.MaxBackoff
		}
	}
	if backoff > w.config.MaxBackoff {
		return w.config.MaxBackoff
	}
	return backoff
}
