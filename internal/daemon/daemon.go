// Package daemon provides the background sync daemon.
//
// The daemon:
// 1. Recovers crash leftovers from the pending-write queue on startup
// 2. Runs a sync cycle immediately, then on a periodic cadence
// 3. Listens for cross-consumer signals and refreshes status (a signal
//    never starts a sync cycle)
// 4. Publishes a records-changed signal after cycles that moved data
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/satchel-sync/satchel/internal/bus"
	"github.com/satchel-sync/satchel/internal/orchestrator"
)

// Config holds configuration for the daemon.
type Config struct {
	// Cadence is how often to run a periodic sync cycle.
	Cadence time.Duration

	// QueueRetention is passed to the startup sweep of synced queue
	// rows.
	QueueRetention time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cadence:        5 * time.Minute,
		QueueRetention: 24 * time.Hour,
		Logger:         log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs periodic sync cycles and bridges the signal channel to
// status refreshes.
type Daemon struct {
	orch   *orchestrator.Orchestrator
	signal bus.Signal
	config *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The signal may be nil when no cross-consumer
// channel is available.
func New(orch *orchestrator.Orchestrator, signal bus.Signal, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.Cadence <= 0 {
		return nil, fmt.Errorf("cadence must be positive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		orch:   orch,
		signal: signal,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the daemon's operation. It blocks until ctx is
// cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.orch.Recover(d.ctx, d.config.QueueRetention); err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	d.wg.Add(1)
	go d.syncLoop()

	if d.signal != nil {
		d.wg.Add(1)
		go d.signalLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()
	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

// TriggerNow runs a cycle outside the cadence, e.g. when the CLI asks
// the daemon for an immediate sync.
func (d *Daemon) TriggerNow() {
	d.runCycle()
}

// syncLoop runs an immediate cycle, then one per cadence tick.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	d.runCycle()

	ticker := time.NewTicker(d.config.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.runCycle()
		}
	}
}

func (d *Daemon) runCycle() {
	d.orch.TriggerSync(d.ctx)

	if d.signal != nil {
		if err := d.signal.Publish(d.ctx, bus.Message{Type: bus.SignalStatusChanged}); err != nil {
			d.config.Logger.Printf("Warning: failed to publish status signal: %v", err)
		}
	}
}

// signalLoop refreshes status when other consumers signal. Signals
// invalidate caches only; they never start a sync cycle.
func (d *Daemon) signalLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.signal.Subscribe():
			if !ok {
				return
			}
			d.config.Logger.Printf("Signal received: %s", msg.Type)
			d.orch.RefreshStatus(d.ctx)
		}
	}
}
