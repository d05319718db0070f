// Command treebench measures tree construction, writes and derived
// recomputation over a grid of tree shapes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/delaneyj/signaltree/config"
)

const (
	configKey     = "config"
	markdownKey   = "markdown"
	htmlKey       = "html"
	iterationsKey = "iterations"
	verboseKey    = "verbose"
)

func main() {
	cmd := &cli.Command{
		Name:  "treebench",
		Usage: "Benchmark signal tree construction and updates",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  configKey,
				Usage: "YAML file with tree options and benchmark shapes",
			},
			&cli.BoolFlag{
				Name:  markdownKey,
				Usage: "Print a markdown table",
			},
			&cli.StringFlag{
				Name:  htmlKey,
				Usage: "Write an HTML report to this file",
			},
			&cli.UintFlag{
				Name:  iterationsKey,
				Usage: "Samples per scenario, overrides the config file",
			},
			&cli.BoolFlag{
				Name:  verboseKey,
				Usage: "Log debug output",
			},
		},
		Action: bench,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("treebench failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func bench(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool(verboseKey) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conf := config.Default()
	if path := cmd.String(configKey); path != "" {
		var err error
		if conf, err = config.Load(path); err != nil {
			return err
		}
	}
	if n := cmd.Uint(iterationsKey); n > 0 {
		conf.Bench.Iterations = int(n)
	}

	start := time.Now()
	r := &runner{bench: conf.Bench, opts: conf.Tree.Options(), logger: logger}
	rows, err := r.run()
	if err != nil {
		return err
	}
	logger.Info("treebench: finished",
		slog.Int("scenarios", len(rows)),
		slog.String("took", humanize.RelTime(start, time.Now(), "", "")),
	)

	title := fmt.Sprintf("signal tree, %s samples per scenario", humanizeInt(conf.Bench.Iterations))
	switch {
	case cmd.String(htmlKey) != "":
		f, err := os.Create(cmd.String(htmlKey))
		if err != nil {
			return err
		}
		defer f.Close()
		renderHTML(f, title, rows)
		logger.Info("treebench: wrote report", slog.String("path", f.Name()))
	case cmd.Bool(markdownKey):
		renderMarkdown(os.Stdout, rows)
	default:
		renderPretty(os.Stdout, title, rows)
	}
	return nil
}

func humanizeInt(n int) string { return humanize.Comma(int64(n)) }
