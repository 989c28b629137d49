package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/pirorin215/fastrec-sub000/protocol"
)

func infoCommand(c *cli.Context, ctx context.Context, s *session) error {
	info, err := s.eng.PollDeviceInfo(ctx)
	if err != nil {
		return err
	}
	voltage := fmt.Sprintf("%.3fV", info.BatteryVoltage)
	if t := s.cfg.Polling.LowVoltageThreshold; t > 0 && info.BatteryVoltage < t {
		voltage = Red(voltage)
	} else {
		voltage = Green(voltage)
	}
	fmt.Printf("battery   %s (%.0f%%)\n", voltage, info.BatteryLevel)
	fmt.Printf("state     %s\n", Cyan(info.AppState))
	fmt.Printf("firmware  %s\n", info.Version)
	fmt.Printf("mtu       %d, burst %d\n", s.eng.MTU(), s.eng.BurstSize())
	return nil
}

func lsCommand(c *cli.Context, ctx context.Context, s *session) error {
	files, err := s.eng.FetchFileList(ctx, true)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println(Yellow("no recordings on device"))
		return nil
	}
	for _, f := range files {
		name := f.Name
		if s.index.IsProcessed(f.Name) {
			name = Green(name) + " (synced)"
		}
		fmt.Printf("%10d  %s\n", f.Size, name)
	}
	return nil
}

// lookup finds name in the device listing so the download knows its size
func lookup(ctx context.Context, s *session, name string) (protocol.FileEntry, error) {
	files, err := s.eng.FetchFileList(ctx, true)
	if err != nil {
		return protocol.FileEntry{}, err
	}
	for _, f := range files {
		if f.Name == name {
			return f, nil
		}
	}
	return protocol.FileEntry{}, fmt.Errorf("%s is not on the device", name)
}

func getCommand(c *cli.Context, ctx context.Context, s *session) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("usage: fastrec get <name>")
	}
	file, err := lookup(ctx, s, name)
	if err != nil {
		return err
	}
	locator, err := s.eng.DownloadFile(ctx, file)
	if err != nil {
		return err
	}
	if err := s.index.MarkProcessed(name); err != nil {
		return err
	}
	fmt.Printf("%s -> %s\n", Green(name), locator)

	if c.Bool("delete") {
		if err := s.eng.DeleteFile(ctx, name); err != nil {
			return err
		}
		fmt.Printf("deleted %s from device\n", name)
	}
	return nil
}

func rmCommand(c *cli.Context, ctx context.Context, s *session) error {
	name := c.Args().First()
	if name == "" {
		return errors.New("usage: fastrec rm <name>")
	}
	if err := s.eng.DeleteFile(ctx, name); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", Green(name))
	return nil
}

func timeCommand(c *cli.Context, ctx context.Context, s *session) error {
	if err := s.eng.SyncTime(ctx); err != nil {
		return err
	}
	fmt.Printf("device clock set to %s\n", Cyan(time.Now().Format(time.RFC3339)))
	return nil
}

func settingsGetCommand(c *cli.Context, ctx context.Context, s *session) error {
	settings, err := s.eng.FetchSettings(ctx)
	if err != nil {
		return err
	}
	fmt.Print(settings.Format())
	return nil
}

func settingsSetCommand(c *cli.Context, ctx context.Context, s *session) error {
	assignments, err := parseAssignments(c.Args())
	if err != nil {
		return err
	}
	settings, err := s.eng.FetchSettings(ctx)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		settings.Set(a.Key, a.Value)
	}
	if err := s.eng.PushSettings(ctx, settings); err != nil {
		return err
	}
	fmt.Printf("sent %d setting(s) %s\n", len(assignments), Yellow("(the device does not confirm)"))
	return nil
}

// parseAssignments reads key=value arguments
func parseAssignments(args []string) ([]protocol.Setting, error) {
	if len(args) == 0 {
		return nil, errors.New("usage: fastrec settings set key=value...")
	}
	out := make([]protocol.Setting, 0, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		out = append(out, protocol.Setting{Key: key, Value: strings.TrimSpace(value)})
	}
	return out, nil
}

func historyCommand(c *cli.Context) error {
	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := openSession(cfg, path)
	if err != nil {
		return err
	}
	entries, err := s.history.Entries()
	if err != nil {
		return err
	}
	if n := c.Int("n"); n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	for _, e := range entries {
		line := e.Timestamp.Format(time.RFC3339)
		if e.BatteryVoltage != nil {
			line += fmt.Sprintf("  %.3fV", *e.BatteryVoltage)
		}
		if e.BatteryLevel != nil {
			line += fmt.Sprintf(" %.0f%%", *e.BatteryLevel)
		}
		if e.Location != nil {
			line += fmt.Sprintf("  %s", Cyan(fmt.Sprintf("%.5f,%.5f", e.Location.Latitude, e.Location.Longitude)))
		}
		fmt.Println(line)
	}
	return nil
}
