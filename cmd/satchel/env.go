package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/satchel-sync/satchel/internal/bus"
	"github.com/satchel-sync/satchel/internal/config"
	"github.com/satchel-sync/satchel/internal/orchestrator"
	"github.com/satchel-sync/satchel/internal/provider"
	"github.com/satchel-sync/satchel/internal/queue"
	"github.com/satchel-sync/satchel/internal/record"
	"github.com/satchel-sync/satchel/internal/store"

	// Backend registrations.
	_ "github.com/satchel-sync/satchel/internal/provider/drive"
	_ "github.com/satchel-sync/satchel/internal/provider/folder"
	_ "github.com/satchel-sync/satchel/internal/provider/noop"
	_ "github.com/satchel-sync/satchel/internal/provider/relay"
)

const (
	deviceIDKey = "device_id"
	tokenKey    = "provider_token"
)

// appEnv bundles the wired subsystems each command needs.
type appEnv struct {
	cfg      *config.Config
	store    store.Store
	queue    queue.Queue
	local    *orchestrator.Local
	deviceID string
}

// openEnv loads config and opens the local store and queue. Callers
// must Close it.
func openEnv() (*appEnv, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := log.New(os.Stderr, "[satchel] ", log.LstdFlags)
	st := store.OpenWithFallback(cfg.DatabasePath(), cfg.Partitions, logger)

	q := queue.New(st)

	deviceID, err := ensureDeviceID(context.Background(), st)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &appEnv{
		cfg:      cfg,
		store:    st,
		queue:    q,
		local:    orchestrator.NewLocal(st, q, deviceID),
		deviceID: deviceID,
	}, nil
}

func (e *appEnv) Close() {
	e.store.Close()
}

// adapter constructs the configured backend. The credential comes from
// config when set, otherwise from the token stored by sign-in.
func (e *appEnv) adapter(logger *log.Logger) (provider.Adapter, error) {
	pcfg := provider.Config{
		DeviceID: e.deviceID,
		Logger:   logger,
		Local:    e.local,
	}
	switch e.cfg.Provider {
	case "relay":
		pcfg.Endpoint = e.cfg.Relay.Endpoint
		pcfg.Token = e.cfg.Relay.Token
	case "drive":
		pcfg.Endpoint = e.cfg.Drive.Endpoint
		pcfg.Token = e.cfg.Drive.Token
	case "folder":
		pcfg.Dir = e.cfg.Folder.Dir
	}
	if pcfg.Token == "" {
		pcfg.Token = e.storedToken()
	}
	return provider.Open(provider.ID(e.cfg.Provider), pcfg)
}

func (e *appEnv) storedToken() string {
	s, err := e.store.GetSetting(context.Background(), tokenKey)
	if err != nil {
		return ""
	}
	var token string
	if json.Unmarshal(s.Value, &token) != nil {
		return ""
	}
	return token
}

func (e *appEnv) saveToken(ctx context.Context, token string) error {
	val, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return e.store.PutSetting(ctx, &record.Setting{
		Key:       tokenKey,
		Value:     val,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// ensureDeviceID returns the persisted device id, generating one on
// first use. The id names this device in queue payloads and in the
// remote manifest.
func ensureDeviceID(ctx context.Context, st store.Store) (string, error) {
	s, err := st.GetSetting(ctx, deviceIDKey)
	if err == nil {
		var id string
		if json.Unmarshal(s.Value, &id) == nil && id != "" {
			return id, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id := uuid.NewString()
	val, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	err = st.PutSetting(ctx, &record.Setting{
		Key:       deviceIDKey,
		Value:     val,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	return id, nil
}

// nudgeDaemon tells a running daemon that local records changed. Best
// effort; no daemon listening is fine.
func nudgeDaemon(cfg *config.Config) {
	sig, err := bus.NewFileSignal(cfg.SignalFilePath(), log.New(io.Discard, "", 0))
	if err != nil {
		return
	}
	defer sig.Close()
	_ = sig.Publish(context.Background(), bus.Message{Type: bus.SignalRecordsChanged})
}
