package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli"

	"github.com/pirorin215/fastrec-sub000/config"
	"github.com/pirorin215/fastrec-sub000/engine"
	"github.com/pirorin215/fastrec-sub000/history"
	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/storage"
	"github.com/pirorin215/fastrec-sub000/transport"
	"github.com/pirorin215/fastrec-sub000/transport/bluez"
	"github.com/pirorin215/fastrec-sub000/util"
)

// session is everything one invocation needs: config, local stores and an
// engine bound to a transport
type session struct {
	cfg     *config.Config
	cfgPath string
	dataDir string
	history *history.Store
	store   *storage.Store
	index   *storage.Index
	eng     *engine.Engine
}

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return filepath.Join(util.GetDataDir(), "config.json")
}

// loadConfig reads the config file and applies the log level
func loadConfig(c *cli.Context) (*config.Config, string, error) {
	path := configPath(c)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	level := cfg.Logging.Level
	if l := c.GlobalString("log-level"); l != "" {
		level = l
	}
	logger.SetLevel(logger.ParseLevel(level))
	return cfg, path, nil
}

// openSession opens the local stores under the data directory
func openSession(cfg *config.Config, cfgPath string) (*session, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = util.GetDataDir()
	}
	stateDir := util.GetStateDir(dataDir)
	if err := util.EnsureDir(stateDir); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", stateDir, err)
	}

	hist, err := history.Open(stateDir)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewStore(util.GetRecordingsDir(dataDir))
	if err != nil {
		return nil, err
	}
	index, err := storage.OpenIndex(stateDir)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, cfgPath: cfgPath, dataDir: dataDir, history: hist, store: store, index: index}, nil
}

// bind creates the engine over tr. notifier may be nil.
func (s *session) bind(tr transport.Transport, notifier engine.Notifier) *engine.Engine {
	deps := engine.Deps{History: s.history, Storage: s.store}
	if notifier != nil {
		deps.Notifier = notifier
	}
	s.eng = engine.New(s.cfg, tr, deps)
	return s.eng
}

// connectReady connects and waits for DeviceReady. Failed attempts are
// retried until cfg.Connection.ConnectAttemptLimit is reached (0 = no limit).
func connectReady(ctx context.Context, eng *engine.Engine, cfg *config.Config) error {
	events, unsubscribe := eng.Subscribe(16)
	defer unsubscribe()
	states, stop := eng.State().Subscribe()
	defer stop()

	limit := cfg.Connection.ConnectAttemptLimit
	failures := 0
	giveUp := func(reason string) error {
		failures++
		if limit > 0 && failures >= limit {
			return fmt.Errorf("gave up after %d connection attempt(s): %s", failures, reason)
		}
		return nil
	}

	for {
		err := eng.Connect(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if gerr := giveUp(err.Error()); gerr != nil {
			return gerr
		}
		logger.Warn("cli", "⚠️  Connect attempt %d failed: %v", failures, err)
		select {
		case <-time.After(cfg.ReconnectSettle()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// From here the engine retries on its own after each error
	for {
		select {
		case ev := <-events:
			if ev.Kind == engine.EventDeviceReady {
				return nil
			}
		case st := <-states:
			if st.Kind == engine.StateError {
				if err := giveUp(st.Reason); err != nil {
					return err
				}
			}
		case <-ctx.Done():
			return fmt.Errorf("waiting for device: %w", ctx.Err())
		}
	}
}

// runOneShot starts the engine, connects, runs fn and disconnects
func runOneShot(ctx context.Context, s *session, fn func(context.Context, *engine.Engine) error) error {
	eng := s.eng
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eng.Start(runCtx)
	defer eng.Stop()

	if err := connectReady(ctx, eng, s.cfg); err != nil {
		return err
	}
	defer eng.Disconnect()
	return fn(ctx, eng)
}

// withDevice is the Action wrapper for one-shot commands over BlueZ
func withDevice(fn func(*cli.Context, context.Context, *session) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		cfg, path, err := loadConfig(c)
		if err != nil {
			return err
		}
		s, err := openSession(cfg, path)
		if err != nil {
			return err
		}
		tr, err := bluez.New(c.GlobalString("adapter"))
		if err != nil {
			return err
		}
		s.bind(tr, nil)

		ctx, cancel := context.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
		defer cancel()
		return runOneShot(ctx, s, func(ctx context.Context, _ *engine.Engine) error {
			return fn(c, ctx, s)
		})
	}
}
