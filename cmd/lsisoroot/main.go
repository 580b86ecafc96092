// Command lsisoroot lists the root directory of an ISO9660 image.
//
// The image may be a local file, a zstd-compressed local file, or an http(s)
// URL served with range support. The volume ID and one line per root entry
// are printed to stdout; the root directory's location and size go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/meigma/isoroot"
	"github.com/meigma/isoroot/cache"
	"github.com/meigma/isoroot/cache/disk"
	isohttp "github.com/meigma/isoroot/http"
	"github.com/meigma/isoroot/internal/config"
)

const (
	appName   = "lsisoroot"
	argsUsage = "IMAGE"

	exitFailure = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

// run executes the command and returns its exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	err := app.RunContext(ctx, args)
	if err == nil {
		return 0
	}
	code := exitFailure
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	fmt.Fprintf(stderr, "%s: %v\n", appName, err)
	return code
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      appName,
		Usage:     "list the root directory of an ISO9660 image",
		ArgsUsage: argsUsage,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file (default $LSISOROOT_CONFIG_FILE or ~/.config/lsisoroot.yaml)",
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "cache image blocks under this directory",
			},
			&cli.Int64Flag{
				Name:  "cache-max-bytes",
				Usage: "maximum size of the block cache, 0 for unlimited",
			},
			&cli.BoolFlag{
				Name:  "validate-extents",
				Usage: "fail on entries that point past the end of the image",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn, or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "`KEY=VALUE` header added to HTTP requests (repeatable)",
			},
		},
		OnUsageError: func(_ *cli.Context, err error, _ bool) error {
			return cli.Exit(err.Error(), exitUsage)
		},
		// Exit codes are handled by run.
		ExitErrHandler: func(*cli.Context, error) {},
		Action: func(c *cli.Context) error {
			return list(c, stdout, stderr)
		},
	}
}

func list(c *cli.Context, stdout, stderr io.Writer) error {
	if c.NArg() != 1 {
		return cli.Exit(fmt.Sprintf("usage: %s [options] %s", appName, argsUsage), exitUsage)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := applyFlags(c, cfg); err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return cli.Exit(err.Error(), exitUsage)
	}

	ctx := c.Context
	image := c.Args().First()
	src, err := openSource(ctx, image, cfg, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	var target isoroot.ByteSource = src
	if cfg.CacheDir != "" {
		bc, err := disk.NewBlockCache(cfg.CacheDir,
			disk.WithMaxBytes(cfg.CacheMaxBytes),
			disk.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("opening block cache: %w", err)
		}
		cached, err := bc.Wrap(src,
			cache.WithBlockSize(cfg.CacheBlockSize),
			cache.WithReadahead(cfg.CacheReadahead),
		)
		if err != nil {
			return fmt.Errorf("opening block cache: %w", err)
		}
		target = cached
		defer func() {
			hits, misses := bc.Stats()
			logger.Debug("block cache", "hits", hits, "misses", misses, "size", bc.SizeBytes())
		}()
	}

	opts := []isoroot.Option{isoroot.WithLogger(logger)}
	if cfg.ValidateExtents {
		opts = append(opts, isoroot.WithImageSize(src.Size()))
	}
	return isoroot.NewLister(stdout, stderr, opts...).List(ctx, target)
}

// applyFlags overrides configuration with flags set on the command line.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("cache-dir") {
		cfg.CacheDir = c.String("cache-dir")
	}
	if c.IsSet("cache-max-bytes") {
		cfg.CacheMaxBytes = c.Int64("cache-max-bytes")
	}
	if c.IsSet("validate-extents") {
		cfg.ValidateExtents = c.Bool("validate-extents")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
	for _, h := range c.StringSlice("header") {
		key, value, ok := strings.Cut(h, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return fmt.Errorf("invalid header %q: want KEY=VALUE", h)
		}
		if cfg.HTTPHeaders == nil {
			cfg.HTTPHeaders = make(map[string]string)
		}
		cfg.HTTPHeaders[strings.TrimSpace(key)] = value
	}
	return nil
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// openSource opens a local image or, for http and https URLs, a remote one.
func openSource(ctx context.Context, image string, cfg *config.Config, logger *slog.Logger) (isoroot.Source, error) {
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		opts := []isohttp.Option{
			isohttp.WithContext(ctx),
			isohttp.WithLogger(logger),
		}
		for key, value := range cfg.HTTPHeaders {
			opts = append(opts, isohttp.WithHeader(key, value))
		}
		src, err := isohttp.NewSource(image, opts...)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", image, err)
		}
		return src, nil
	}
	return isoroot.Open(image, isoroot.WithMaxImageBytes(cfg.MaxImageBytes))
}
