package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/satchel-sync/satchel/internal/bus"
	"github.com/satchel-sync/satchel/internal/daemon"
	"github.com/satchel-sync/satchel/internal/orchestrator"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Sweeps crash leftovers from the pending-write queue
  2. Runs a sync cycle immediately, then on the configured cadence
  3. Serves a loopback websocket hub for other local consumers
  4. Watches the on-disk signal file for CLI writes

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		logger := daemonLogger(env)

		adapter, err := env.adapter(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := adapter.Init(context.Background()); err != nil {
			// Cycles will surface this as the auth-required or offline
			// state; the daemon still runs so a later sign-in recovers.
			logger.Printf("Warning: backend init failed: %v", err)
		}

		b := bus.New(logger)
		b.Subscribe(func(s bus.Status) {
			logger.Printf("Status: state=%s online=%v pending=%d", s.SyncState, s.Online, s.Pending)
		})
		b.Notify(bus.Patch{ActiveProvider: bus.StringPtr(env.cfg.Provider)})

		orch := orchestrator.New(env.store, env.queue, adapter, b, logger)

		hub := bus.NewWSHub(env.cfg.Daemon.SignalPort, logger)
		if err := hub.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting signal hub: %v\n", err)
			os.Exit(1)
		}

		fileSig, err := bus.NewFileSignal(env.cfg.SignalFilePath(), logger)
		if err != nil {
			hub.Close()
			fmt.Fprintf(os.Stderr, "Error watching signal file: %v\n", err)
			os.Exit(1)
		}

		sig := newFanSignal(hub, fileSig)

		d, err := daemon.New(orch, sig, &daemon.Config{
			Cadence:        env.cfg.Daemon.Cadence,
			QueueRetention: env.cfg.Queue.Retention,
			Logger:         logger,
		})
		if err != nil {
			sig.Close()
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Daemon running (provider %s, signal hub %s)\n", adapter.ID(), hub.Addr())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		err = d.Start(ctx)
		sig.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	},
}

// daemonLogger writes to the configured rotating log file, or stderr
// when none is set.
func daemonLogger(env *appEnv) *log.Logger {
	dc := env.cfg.Daemon
	if dc.LogFile == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   dc.LogFile,
		MaxSize:    dc.LogMaxSizeMB,
		MaxBackups: dc.LogMaxBackups,
		MaxAge:     dc.LogMaxAgeDays,
	}, "[daemon] ", log.LstdFlags)
}

// fanSignal merges the websocket hub and the signal file into one
// channel, so the daemon hears consumers on either transport and
// publishes to both.
type fanSignal struct {
	signals []bus.Signal
	merged  chan bus.Message
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

var _ bus.Signal = (*fanSignal)(nil)

func newFanSignal(signals ...bus.Signal) *fanSignal {
	f := &fanSignal{
		signals: signals,
		merged:  make(chan bus.Message, 16),
		done:    make(chan struct{}),
	}
	for _, s := range signals {
		ch := s.Subscribe()
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for {
				select {
				case <-f.done:
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case f.merged <- msg:
					case <-f.done:
						return
					}
				}
			}
		}()
	}
	return f
}

func (f *fanSignal) Publish(ctx context.Context, msg bus.Message) error {
	var errs []error
	for _, s := range f.signals {
		if err := s.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanSignal) Subscribe() <-chan bus.Message { return f.merged }

func (f *fanSignal) Close() error {
	var errs []error
	f.once.Do(func() {
		close(f.done)
		for _, s := range f.signals {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		f.wg.Wait()
	})
	return errors.Join(errs...)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
