package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/wchain/internal/config"
	"github.com/tjfontaine/wchain/internal/pipeline"
	"github.com/tjfontaine/wchain/internal/registration"
	"github.com/tjfontaine/wchain/internal/server"
	"github.com/tjfontaine/wchain/internal/storage"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run a pipeline once",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pipeline", Aliases: []string{"p"}, Usage: "pipeline to run", Required: true},
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "input file, or - for stdin"},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file, or - for stdout"},
			&cli.StringFlag{Name: "source", Usage: "source path for file stages"},
			&cli.StringFlag{Name: "destination", Usage: "destination path for file stages"},
			&cli.StringSliceFlag{Name: "attr", Usage: "run attribute as key=value (repeatable)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			attrs, err := parseAttrs(cmd.StringSlice("attr"))
			if err != nil {
				return err
			}

			in, closeIn, err := openInput(cmd.String("in"))
			if err != nil {
				return err
			}
			defer closeIn()

			out, closeOut, err := openOutput(cmd.String("out"))
			if err != nil {
				return err
			}

			res, runErr := a.runner.Run(ctx, pipeline.RunRequest{
				Pipeline:    cmd.String("pipeline"),
				Input:       in,
				Output:      out,
				Source:      cmd.String("source"),
				Destination: cmd.String("destination"),
				Attrs:       attrs,
			})
			if err := closeOut(); err != nil && runErr == nil {
				runErr = fmt.Errorf("close output: %w", err)
			}
			if res != nil {
				printSummary(cmd.Root().ErrWriter, res.Record)
			}
			return runErr
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve pipelines over HTTP",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Usage: "listen port, overriding server.port"},
			&cli.BoolFlag{Name: "no-watch", Usage: "do not reload pipelines when the config file changes"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			port := a.cfg.Server.Port
			if p := cmd.Int("port"); p > 0 {
				port = int(p)
			}
			srv := server.New(server.Options{
				Port:           port,
				RequestTimeout: a.cfg.Server.RequestTimeout,
				APIKeys:        a.cfg.Server.APIKeys,
				MaxBodyBytes:   a.cfg.Server.MaxBodyBytes,
				Logger:         a.logger,
			}, server.NewHandlers(a.runner, a.registry, a.store))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })

			if !cmd.Bool("no-watch") {
				if err := a.watchConfig(gctx, g); err != nil {
					a.logger.Warn("pipeline hot-reload disabled", slog.String("error", err.Error()))
				}
			}

			return g.Wait()
		},
	}
}

// watchConfig rebuilds the pipeline registry whenever the config file changes.
// A revision that fails to build leaves the running pipelines in place.
func (a *app) watchConfig(ctx context.Context, g *errgroup.Group) error {
	w, err := config.NewWatcher(a.configPath, a.logger)
	if err != nil {
		return err
	}
	err = w.Watch(ctx, func(cfg *config.Config) {
		if err := a.registry.Reload(cfg.Pipelines); err != nil {
			a.logger.Error("failed to rebuild pipelines", slog.String("error", err.Error()))
			return
		}
		a.logger.Info("pipelines reloaded", slog.Int("count", len(cfg.Pipelines)))
	})
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return w.Close()
	})
	return nil
}

func pipelinesCommand() *cli.Command {
	return &cli.Command{
		Name:  "pipelines",
		Usage: "list configured pipelines",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTAGES\tDESCRIPTION")
			for _, name := range a.registry.Names() {
				cfg, _ := a.registry.Config(name)
				types := make([]string, 0, len(cfg.Stages))
				for _, st := range cfg.Stages {
					types = append(types, st.Type)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, strings.Join(types, " > "), cfg.Description)
			}
			return tw.Flush()
		},
	}
}

func stagesCommand() *cli.Command {
	return &cli.Command{
		Name:  "stages",
		Usage: "list available stage types",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			registration.RegisterBuiltins()

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tDESCRIPTION")
			fmt.Fprintf(tw, "%s\t%s\n", pipeline.PipelineStageType, "Runs another configured pipeline as a single stage.")
			stages := pipeline.ListStages()
			sort.Slice(stages, func(i, j int) bool { return stages[i].Type < stages[j].Type })
			for _, f := range stages {
				fmt.Fprintf(tw, "%s\t%s\n", f.Type, f.Description)
			}
			return tw.Flush()
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list journaled runs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pipeline", Aliases: []string{"p"}, Usage: "only runs of this pipeline"},
			&cli.StringFlag{Name: "status", Usage: "running, succeeded or failed"},
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum number of runs"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(ctx, storage.ListOptions{
				Pipeline: cmd.String("pipeline"),
				Status:   storage.Status(cmd.String("status")),
				Limit:    int(cmd.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPIPELINE\tSTATUS\tSTARTED\tDURATION\tOUT\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Pipeline, r.Status,
					humanize.Time(r.StartedAt),
					r.Duration().Round(time.Millisecond),
					humanize.Bytes(uint64(r.BytesOut)),
					r.Error,
				)
			}
			return tw.Flush()
		},
	}
}

func printSummary(w io.Writer, rec *storage.RunRecord) {
	fmt.Fprintf(w, "run %s %s in %s: %s in, %s out\n",
		rec.ID, rec.Status, rec.Duration().Round(time.Millisecond),
		humanize.Bytes(uint64(rec.BytesIn)), humanize.Bytes(uint64(rec.BytesOut)))

	names := make([]string, 0, len(rec.Digests))
	for name := range rec.Digests {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %s\n", name, rec.Digests[name])
	}
	if rec.Tokens > 0 {
		fmt.Fprintf(w, "  tokens: %s\n", humanize.Comma(int64(rec.Tokens)))
	}
}

func parseAttrs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid attribute %q, want key=value", p)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func openInput(path string) (io.Reader, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func openOutput(path string) (io.Writer, func() error, error) {
	switch path {
	case "":
		return nil, func() error { return nil }, nil
	case "-":
		return os.Stdout, func() error { return nil }, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, f.Close, nil
}
