// seqmr is both the driver and the worker binary. `seqmr run` plans a job
// from a manifest and drives it on the selected backend; `seqmr task` is
// what backends invoke on execution hosts to run one task attempt.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/seqmr/seqmr/internal/backend"
	"github.com/seqmr/seqmr/internal/backend/emr"
	"github.com/seqmr/seqmr/internal/backend/gridengine"
	"github.com/seqmr/seqmr/internal/backend/local"
	"github.com/seqmr/seqmr/internal/backend/sshexec"
	"github.com/seqmr/seqmr/internal/fs"
	"github.com/seqmr/seqmr/internal/manifest"
	"github.com/seqmr/seqmr/internal/orchestrator"
	"github.com/seqmr/seqmr/internal/runner"
	"github.com/seqmr/seqmr/internal/shared/config"
	"github.com/seqmr/seqmr/internal/shared/logging"
	"github.com/seqmr/seqmr/pkg/core"
	"github.com/seqmr/seqmr/pkg/pipelines"

	_ "github.com/seqmr/seqmr/examples/seqcount"
)

const (
	exitOK        = 0
	exitExec      = 1
	exitConfig    = 2
	exitCancelled = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		return runJob(ctx, args[1:])
	case "task":
		return runTask(ctx, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: seqmr run -manifest <file> -pipeline <name> [-config <file>] [-workroot <root>] [-backend <name>]")
	fmt.Fprintln(os.Stderr, "       seqmr task -workroot <root> -spec <path>")
}

func runJob(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		configPath   = flags.String("config", "", "config file path (defaults to seqmr.yaml)")
		manifestPath = flags.String("manifest", "", "manifest file listing input samples")
		pipelineName = flags.String("pipeline", "", "registered pipeline to run")
		workroot     = flags.String("workroot", "", "working storage root (overrides config)")
		backendName  = flags.String("backend", "", "backend to run on (overrides config)")
		keep         = flags.Bool("keep-intermediates", false, "keep intermediate partitions after success")
	)
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if *workroot != "" {
		cfg.Workroot = *workroot
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if *keep {
		cfg.KeepIntermediates = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	logger := logging.NewFromConfig(cfg.Logging)

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "manifest file must be given with -manifest")
		return exitConfig
	}
	if *pipelineName == "" {
		fmt.Fprintf(os.Stderr, "pipeline must be given with -pipeline; registered: %v\n", pipelines.List())
		return exitConfig
	}

	pipeline, err := pipelines.Get(*pipelineName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v; registered: %v\n", err, pipelines.List())
		return exitConfig
	}
	entries, err := manifest.ParseFile(*manifestPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	fsys, err := fs.New(ctx, cfg.Workroot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	b, cleanup, err := buildBackend(ctx, cfg, fsys, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	if cleanup != nil {
		defer cleanup()
	}

	job := orchestrator.NewJob(pipeline, entries)
	job.MaxAttempts = cfg.MaxAttempts
	job.PollInterval = cfg.PollInterval
	job.KeepIntermediates = cfg.KeepIntermediates

	result, err := orchestrator.New(b, fsys, logger).Run(ctx, job)
	switch {
	case err == nil:
		fmt.Printf("run %s succeeded, output under %s\n", result.RunID, result.OutputDir)
		return exitOK
	case errors.Is(err, core.ErrCancelled):
		fmt.Fprintf(os.Stderr, "run cancelled: %v\n", err)
		return exitCancelled
	case core.IsConfig(err):
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	default:
		fmt.Fprintln(os.Stderr, err)
		if result != nil && result.FirstFailure != "" {
			fmt.Fprintf(os.Stderr, "first failure: %s\n", result.FirstFailure)
		}
		return exitExec
	}
}

func buildBackend(ctx context.Context, cfg *config.Config, fsys fs.FileSystem, logger logging.Logger) (backend.Backend, func() error, error) {
	switch cfg.Backend {
	case config.BackendLocal:
		return local.New(cfg.Local, fsys, logger), nil, nil
	case config.BackendGridEngine:
		b, err := gridengine.New(cfg.GridEngine, fsys, logger)
		return b, nil, err
	case config.BackendSSH:
		b, err := sshexec.New(ctx, cfg.SSH, fsys, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case config.BackendEMR:
		b, err := emr.New(ctx, cfg.EMR, fsys, logger)
		return b, nil, err
	default:
		return nil, nil, core.Configf("unknown backend %q", cfg.Backend)
	}
}

// runTask executes one task attempt in a worker process. Output goes to
// shared storage; the exit status is all the backends need.
func runTask(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("task", flag.ContinueOnError)
	var (
		workroot = flags.String("workroot", "", "working storage root")
		specPath = flags.String("spec", "", "task spec path relative to the workroot")
	)
	if err := flags.Parse(args); err != nil {
		return exitConfig
	}
	if *workroot == "" || *specPath == "" {
		fmt.Fprintln(os.Stderr, "task requires -workroot and -spec")
		return exitConfig
	}

	fsys, err := fs.New(ctx, *workroot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	data, err := fsys.ReadFile(ctx, *specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading task spec %s: %v\n", *specPath, err)
		return exitConfig
	}
	spec, err := backend.UnmarshalSpec(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "decoding task spec %s: %v\n", *specPath, err)
		return exitConfig
	}

	outcome := runner.Execute(ctx, fsys, spec)
	if !outcome.Succeeded {
		fmt.Fprintln(os.Stderr, outcome.Reason)
		return exitExec
	}
	return exitOK
}
