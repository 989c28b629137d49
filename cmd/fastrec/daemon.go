package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/pirorin215/fastrec-sub000/config"
	"github.com/pirorin215/fastrec-sub000/feed"
	"github.com/pirorin215/fastrec-sub000/history"
	"github.com/pirorin215/fastrec-sub000/logger"
	"github.com/pirorin215/fastrec-sub000/syncer"
	"github.com/pirorin215/fastrec-sub000/transport"
	"github.com/pirorin215/fastrec-sub000/transport/bluez"
	"github.com/pirorin215/fastrec-sub000/transport/sim"
)

// fixedLocation reports the position given on the command line
type fixedLocation struct {
	loc *history.Location
}

func (f fixedLocation) Current(context.Context) (*history.Location, error) {
	return f.loc, nil
}

func locationFlag(c *cli.Context) syncer.LocationProvider {
	if !c.IsSet("lat") || !c.IsSet("lon") {
		return nil
	}
	return fixedLocation{&history.Location{Latitude: c.Float64("lat"), Longitude: c.Float64("lon")}}
}

func daemonCommand(c *cli.Context) error {
	tr, err := bluez.New(c.GlobalString("adapter"))
	if err != nil {
		return err
	}
	return runDaemon(c, tr, false)
}

func simCommand(c *cli.Context) error {
	simCfg := sim.DefaultSimulationConfig()
	if c.Bool("perfect") {
		simCfg = sim.PerfectSimulationConfig()
	}
	dev := sim.NewDevice(c.String("name"), "AA:BB:CC:DD:EE:01", simCfg)
	defer dev.Shutdown()
	dev.SetBonded(true)

	for i := 0; i < c.Int("files"); i++ {
		data := make([]byte, c.Int("size"))
		for j := range data {
			data[j] = byte(i + j)
		}
		dev.AddFile(fmt.Sprintf("rec_%03d.wav", i+1), data)
	}
	if n := c.Int("busy"); n > 0 {
		dev.SetFaults(sim.Faults{FailListAttempts: n})
	}
	return runDaemon(c, dev, c.Bool("once"))
}

// runDaemon wires engine, orchestrator, feed and config reload over tr and
// runs until interrupted. With once set it returns after the first pass.
func runDaemon(c *cli.Context, tr transport.Transport, once bool) error {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, path)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := feed.NewHub()
	eng := s.bind(tr, hub)
	go hub.Run(ctx)
	hub.Forward(ctx, eng)
	if cfg.Feed.Addr != "" {
		go func() {
			if err := feed.Serve(ctx, cfg.Feed.Addr, hub); err != nil {
				logger.Error("cli", "❌ Feed server: %v", err)
			}
		}()
	}

	orch, err := syncer.New(cfg, eng, syncer.Deps{Index: s.index, History: s.history, Location: locationFlag(c)})
	if err != nil {
		return err
	}
	passes, stopPasses := orch.LastPass().Subscribe()
	defer stopPasses()
	orch.Start(ctx)

	go func() {
		err := config.Watch(ctx, path, func(next *config.Config) {
			applyReload(s, next)
		})
		if err != nil {
			logger.Warn("cli", "⚠️  Config reload disabled: %v", err)
		}
	}()

	eng.Start(ctx)
	defer eng.Stop()
	if err := eng.Connect(ctx); err != nil {
		// The engine keeps retrying from the Error state
		logger.Warn("cli", "⚠️  Initial connect failed: %v", err)
	}

	logger.Info("cli", "🚀 fastrec running, data in %s", s.dataDir)
	for {
		select {
		case <-ctx.Done():
			logger.Info("cli", "👋 Shutting down")
			eng.Disconnect()
			return nil
		case p := <-passes:
			if !once || p.Trigger == "" {
				continue
			}
			fmt.Printf("%s: %d downloaded, %d deleted, %d failed\n", Cyan(string(p.Trigger)), p.Downloaded, p.Deleted, p.Failed)
			eng.Disconnect()
			if p.Err != "" {
				return errors.New(p.Err)
			}
			return nil
		}
	}
}

// applyReload carries the hot-reloadable settings over to the running engine
func applyReload(s *session, next *config.Config) {
	if next.Transfer.BurstSize != s.eng.BurstSize() {
		s.eng.SetBurstSize(next.Transfer.BurstSize)
	}
	logger.SetLevel(logger.ParseLevel(next.Logging.Level))
}
