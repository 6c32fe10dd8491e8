package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// SecretRevealEvent is emitted when the watcher withdraws an escrow with a
// secret found on the counterpart chain.
type SecretRevealEvent struct {
	EscrowID    string
	Secret      common.Hash
	Hashlock    common.Hash
	ChainID     uint64
	TransferErr error // set when the withdrawal committed but the transfer failed
	Timestamp   time.Time
}

// WatcherConfig configures the watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	BufferSize   int
}

// DefaultWatcherConfig returns the default configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 15 * time.Second,
		BufferSize:   100,
	}
}

// Watcher periodically runs AutoWithdraw for every active escrow with
// auto-withdraw enabled.
type Watcher struct {
	monitor *Monitor
	config  WatcherConfig
	log     *logging.Logger

	events chan SecretRevealEvent

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewWatcher creates a watcher over a monitor.
func NewWatcher(m *Monitor, cfg WatcherConfig) *Watcher {
	def := DefaultWatcherConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &Watcher{
		monitor: m,
		config:  cfg,
		log:     logging.GetDefault().Component("monitor").Component("watcher"),
		events:  make(chan SecretRevealEvent, cfg.BufferSize),
	}
}

// Events returns the channel of secret reveal events. It is closed by Stop.
func (w *Watcher) Events() <-chan SecretRevealEvent {
	return w.events
}

// Start launches the polling loop. It is a no-op if already running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil || w.stopped {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.run(ctx)
	w.log.Info("Secret watcher started", "poll_interval", w.config.PollInterval)
}

// Stop ends the polling loop, waits for it and closes Events.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	close(w.events)
	w.log.Info("Secret watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll runs one pass over all eligible escrows and returns how many were
// withdrawn.
func (w *Watcher) Poll(ctx context.Context) int {
	states, err := w.monitor.escrows.List()
	if err != nil {
		w.log.Warn("Failed to list escrows", "error", err)
		return 0
	}

	withdrawn := 0
	for _, st := range states {
		if ctx.Err() != nil {
			return withdrawn
		}
		if st.Terminal() || !st.AutoWithdraw {
			continue
		}

		secret, err := w.monitor.autoWithdraw(ctx, st.ID)
		var transferErr error
		switch {
		case err == nil:
		case IsPending(err):
			continue
		case escrow.IsTransferFailure(err):
			transferErr = err
		case errors.Is(err, escrow.ErrTimelockNotMet):
			w.log.Debug("Secret found before withdrawal window", "id", st.ID, "error", err)
			continue
		default:
			w.log.Warn("Auto-withdraw failed", "id", st.ID, "error", err)
			continue
		}

		withdrawn++
		w.emit(ctx, SecretRevealEvent{
			EscrowID:    st.ID,
			Secret:      secret,
			Hashlock:    st.Immutables.Hashlock,
			ChainID:     st.CounterpartChainID,
			TransferErr: transferErr,
			Timestamp:   time.Now(),
		})
	}
	return withdrawn
}

func (w *Watcher) emit(ctx context.Context, ev SecretRevealEvent) {
	select {
	case w.events <- ev:
		w.log.Info("Secret revealed", "id", ev.EscrowID, "chain_id", ev.ChainID)
	case <-ctx.Done():
	}
}
