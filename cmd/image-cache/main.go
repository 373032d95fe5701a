// Command image-cache serves and manages a tiered memory, disk and network
// image cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	gap "github.com/muesli/go-app-paths"

	"github.com/wolfeidau/image-cache/binding"
	"github.com/wolfeidau/image-cache/cache"
	"github.com/wolfeidau/image-cache/server"
	"github.com/wolfeidau/image-cache/telemetry"
)

var version = "dev"

// ByteSize is a byte count flag accepting humanized values such as "500MB".
type ByteSize int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// Globals are the flags shared by every command.
type Globals struct {
	Root                 string        `help:"Cache storage directory (default: user cache dir)."`
	MemoryMaxCost        ByteSize      `help:"Memory tier cost ceiling." default:"100MB"`
	MemoryMaxEntries     int           `help:"Memory tier entry ceiling." default:"200"`
	DiskMaxSize          ByteSize      `help:"Disk tier size ceiling." default:"500MB"`
	DiskMaxAge           time.Duration `help:"Remove disk records idle for longer than this (0 disables)." default:"0s"`
	ExpiryCheckInterval  time.Duration `help:"How often to run disk expiry." default:"1h"`
	MaxConcurrentFetches int           `help:"Simultaneous network fetches." default:"6"`
	FetchTimeout         time.Duration `help:"Timeout for a single fetch attempt." default:"15s"`
	FetchRate            float64       `help:"Fetch starts per second (0 disables pacing)." default:"0"`
	UserAgent            string        `help:"User-Agent sent with fetches." default:"image-cache/1.0"`
	LogLevel             string        `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat            string        `help:"Log format." enum:"text,json" default:"text"`

	logger *slog.Logger
}

// CLI is the command line.
type CLI struct {
	Globals

	Version    kong.VersionFlag `help:"Print version and exit."`
	Serve      ServeCmd         `cmd:"" help:"Serve cached images over HTTP."`
	Get        GetCmd           `cmd:"" help:"Resolve an image through the cache."`
	Invalidate InvalidateCmd    `cmd:"" help:"Remove images from both tiers."`
	Clear      ClearCmd         `cmd:"" help:"Empty the disk tier."`
	Expire     ExpireCmd        `cmd:"" help:"Remove idle disk records and sweep."`
	Stats      StatsCmd         `cmd:"" help:"Show disk tier usage."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("image-cache"),
		kong.Description("Tiered image cache: memory, disk, network."),
		kong.DefaultEnvars("IMAGE_CACHE"),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	cli.logger = logger
	slog.SetDefault(logger)

	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

func newLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openCache builds a cache from the global flags. The expiry manager only
// runs when withExpiry is set.
func (g *Globals) openCache(ctx context.Context, withExpiry bool) (*cache.Cache, error) {
	root := g.Root
	if root == "" {
		dir, err := gap.NewScope(gap.User, "image-cache").CacheDir()
		if err != nil {
			return nil, fmt.Errorf("finding cache directory: %w", err)
		}
		root = dir
	}

	cfg := cache.Config{
		Root:                 root,
		MemoryMaxCost:        int64(g.MemoryMaxCost),
		MemoryMaxEntries:     g.MemoryMaxEntries,
		DiskMaxSize:          int64(g.DiskMaxSize),
		MaxConcurrentFetches: g.MaxConcurrentFetches,
		FetchTimeout:         g.FetchTimeout,
		FetchRate:            g.FetchRate,
		UserAgent:            g.UserAgent,
		ExpiryCheckInterval:  g.ExpiryCheckInterval,
		Logger:               g.logger,
	}
	if withExpiry {
		cfg.DiskMaxAge = g.DiskMaxAge
	}

	c, err := cache.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	g.logger.Debug("cache opened", "root", root, "disk_max_size", g.DiskMaxSize.String())
	return c, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ServeCmd runs the HTTP front.
type ServeCmd struct {
	Address          string        `help:"Address to listen on." default:":8080"`
	AuthToken        string        `help:"Bearer token required for all routes except /health and /metrics."`
	EnablePrometheus bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	OTLPEndpoint     string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export."`
	ShutdownTimeout  time.Duration `help:"Graceful shutdown timeout." default:"10s"`
}

func (s *ServeCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     s.OTLPEndpoint,
		EnablePrometheus: s.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	c, err := g.openCache(ctx, true)
	if err != nil {
		return err
	}

	srv := server.New(c, server.Config{
		Address:   s.Address,
		AuthToken: s.AuthToken,
		Logger:    g.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	g.logger.Info("server started",
		"address", srv.Address(),
		"image_url", fmt.Sprintf("http://localhost%s/image?src=<url>", srv.Address()),
		"disk_max_size", g.DiskMaxSize.String(),
		"memory_max_cost", g.MemoryMaxCost.String(),
	)

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		err = nil
	case err = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer shutdownCancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}
	_ = c.Close()
	if merr := shutdownMetrics(shutdownCtx); merr != nil {
		g.logger.Warn("metrics shutdown failed", "error", merr)
	}
	return err
}

// GetCmd resolves one source and reports where it came from.
type GetCmd struct {
	Source string `arg:"" help:"Image source URL."`
	Output string `short:"o" help:"Write the image bytes to this file." type:"path"`
}

func (cmd *GetCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := g.openCache(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	tier := c.Tier(ctx, cmd.Source)
	start := time.Now()

	b := binding.New(c,
		binding.WithLogger(g.logger),
		binding.WithObserver(func(s binding.Snapshot) {
			g.logger.Debug("state", "state", s.State.String(), "source", s.Source)
		}),
	)
	b.Bind(cmd.Source)

	snap, err := b.Wait(ctx)
	if err != nil {
		b.Unbind()
		return err
	}
	if snap.State != binding.StateLoaded {
		if snap.Retryable {
			return fmt.Errorf("%s failed (retryable): %w", cmd.Source, snap.Err)
		}
		return fmt.Errorf("%s failed: %w", cmd.Source, snap.Err)
	}

	img := snap.Image
	w, h := img.Size()
	fmt.Printf("%s\n  key:    %s\n  tier:   %s\n  format: %s %dx%d\n  size:   %s\n  took:   %s\n",
		cmd.Source, img.Key, tier, img.Format, w, h,
		humanize.Bytes(uint64(len(img.Data))), time.Since(start).Round(time.Millisecond))

	if cmd.Output != "" {
		if err := os.WriteFile(cmd.Output, img.Data, 0o644); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
	return nil
}

// InvalidateCmd removes sources from the cache.
type InvalidateCmd struct {
	Sources []string `arg:"" help:"Image source URLs."`
}

func (cmd *InvalidateCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := g.openCache(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	for _, src := range cmd.Sources {
		if err := c.Invalidate(ctx, src); err != nil {
			return err
		}
		g.logger.Info("invalidated", "source", src)
	}
	return nil
}

// ClearCmd empties the cache.
type ClearCmd struct{}

func (cmd *ClearCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := g.openCache(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Clear(ctx)
}

// ExpireCmd runs one expiry pass.
type ExpireCmd struct {
	OlderThan time.Duration `help:"Remove records idle for longer than this." default:"168h"`
}

func (cmd *ExpireCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := g.openCache(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	result := c.Expire(ctx, cmd.OlderThan)
	fmt.Printf("expired %d, swept %d, freed %s\n",
		result.Expired, result.Swept, humanize.Bytes(uint64(result.BytesFreed)))
	if result.Errors > 0 {
		return fmt.Errorf("expiry finished with %d errors", result.Errors)
	}
	return nil
}

// StatsCmd prints disk usage.
type StatsCmd struct{}

func (cmd *StatsCmd) Run(g *Globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	c, err := g.openCache(ctx, false)
	if err != nil {
		return err
	}
	defer c.Close()

	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("disk: %d records, %s of %s\n",
		stats.Disk.Records,
		humanize.Bytes(uint64(stats.Disk.Bytes)),
		humanize.Bytes(uint64(stats.Disk.MaxSize)))
	return nil
}
