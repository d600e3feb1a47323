package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"scantool/internal/device"
	"scantool/internal/firmware"
	"scantool/internal/store"
)

var errUsage = errors.New("usage")

// command is one CLI subcommand. Commands that talk to the scanner receive
// an open session; the others get nil.
type command struct {
	usage  string
	args   int
	device bool
	run    func(env *env, args []string) error
}

type env struct {
	cfg    *Config
	dev    *device.Device
	logger *slog.Logger
	out    io.Writer
}

var commands = map[string]command{
	"health":  {usage: "health", device: true, run: runHealth},
	"info":    {usage: "info", device: true, run: runInfo},
	"get":     {usage: "get <setting>", args: 1, device: true, run: runGet},
	"set":     {usage: "set <setting><value>", args: 1, device: true, run: runSet},
	"scan":    {usage: "scan", device: true, run: func(e *env, _ []string) error { return e.dev.StartScan() }},
	"stop":    {usage: "stop", device: true, run: func(e *env, _ []string) error { return e.dev.StopScan() }},
	"restart": {usage: "restart", device: true, run: func(e *env, _ []string) error { return e.dev.Restart() }},
	"image":   {usage: "image <out.png>", args: 1, device: true, run: runImage},
	"config":  {usage: "config <entries.yaml>", args: 1, device: true, run: runConfig},
	"update":  {usage: "update <firmware.bin>", args: 1, run: runUpdate},
	"history": {usage: "history [limit]", run: runHistory},
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "scantool %s (sdk %s)\n\n", version, device.Version)
	fmt.Fprintln(w, "usage: scantool <config.yaml> [command] [args]")
	fmt.Fprintln(w, "\ncommands:")
	fmt.Fprintln(w, "  serve (default)")
	for _, name := range []string{"health", "info", "get", "set", "scan", "stop", "restart", "image", "config", "update", "history"} {
		fmt.Fprintf(w, "  %s\n", commands[name].usage)
	}
}

func run(cfg *Config, name string, args []string, logger *slog.Logger) error {
	if name == "serve" {
		return serve(cfg, logger)
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if len(args) < cmd.args {
		return fmt.Errorf("%w: scantool <config> %s", errUsage, cmd.usage)
	}

	e := &env{cfg: cfg, logger: logger, out: os.Stdout}
	if cmd.device {
		dev, err := openDevice(cfg, logger)
		if err != nil {
			return err
		}
		defer dev.Close()
		e.dev = dev
	}
	return cmd.run(e, args)
}

func runHealth(e *env, _ []string) error {
	if err := e.dev.CheckHealth(); err != nil {
		return err
	}
	fmt.Fprintln(e.out, "healthy")
	return nil
}

func runInfo(e *env, _ []string) error {
	info, err := e.dev.DeviceInformation()
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, info)
	return nil
}

func runGet(e *env, args []string) error {
	value, err := e.dev.GetConfig(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(e.out, value)
	return nil
}

func runSet(e *env, args []string) error {
	return e.dev.SetConfig(args[0])
}

func runImage(e *env, args []string) error {
	width, height, err := e.dev.ImageSize()
	if err != nil {
		return err
	}
	e.logger.Info("capturing image", "width", width, "height", height)
	last := -10
	pix, err := e.dev.ImageBuffer(width*height, func(percent int) {
		if percent/10 != last/10 {
			last = percent
			e.logger.Info("image transfer", "percent", percent)
		}
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	img := &image.Gray{Pix: pix, Stride: width, Rect: image.Rect(0, 0, width, height)}
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	if err := os.WriteFile(args[0], buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	fmt.Fprintf(e.out, "%s: %dx%d\n", args[0], width, height)
	return nil
}

// loadEntries reads a YAML list of {name, value} settings.
func loadEntries(path string) ([]device.ConfigEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entries: %w", err)
	}
	var entries []device.ConfigEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: no entries", path)
	}
	return entries, nil
}

func runConfig(e *env, args []string) error {
	entries, err := loadEntries(args[0])
	if err != nil {
		return err
	}
	if err := e.dev.UpdateConfig(entries); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%d settings written\n", len(entries))
	return nil
}

func runUpdate(e *env, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read firmware: %w", err)
	}

	db, err := store.NewBoltStore(e.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	dev, err := openDevice(e.cfg, e.logger, device.WithJournal(db))
	if err != nil {
		return err
	}
	defer dev.Close()

	// Interrupting stops the update at the next step boundary.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = dev.UpdateFirmware(ctx, data, progressLogger(e.logger))
	if err != nil {
		if errors.Is(err, firmware.ErrIndeterminate) {
			e.logger.Warn("device flash may be partially written; retry the update before using the scanner")
		}
		return err
	}
	fmt.Fprintf(e.out, "firmware updated in %s\n", time.Since(start).Round(time.Second))
	return nil
}

// progressLogger logs phase changes and every tenth percent of the data
// transfer.
func progressLogger(logger *slog.Logger) firmware.ProgressCallback {
	var phase firmware.Phase
	var segment string
	last := -10
	return func(p firmware.Progress) {
		if p.Phase != phase || p.Segment != segment {
			phase, segment, last = p.Phase, p.Segment, -10
			logger.Info("update", "phase", p.Phase, "segment", p.Segment, "index", p.Index+1, "total", p.Total)
		}
		if p.Phase == firmware.PhaseSendData && p.Percent/10 != last/10 {
			last = p.Percent
			logger.Info("update", "segment", p.Segment, "percent", p.Percent)
		}
	}
}

func runHistory(e *env, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: invalid limit %q", errUsage, args[0])
		}
		limit = n
	}

	db, err := store.NewBoltStore(e.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	recs, err := db.ListUpdates(limit)
	if err != nil {
		return err
	}
	return printHistory(e.out, recs)
}

func printHistory(w io.Writer, recs []*store.UpdateRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPORT\tCLASS\tSEGMENTS\tSTATUS\tPHASE\tDURATION\tERROR")
	for _, r := range recs {
		status := r.Status
		if r.Indeterminate {
			status += " (indeterminate)"
		}
		var took string
		if !r.FinishedAt.IsZero() {
			took = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Port, r.Class, len(r.Segments), status, r.Phase, took, r.Error)
	}
	return tw.Flush()
}
