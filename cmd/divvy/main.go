// Command divvy runs a registered Task to completion across a pool of
// worker processes. It doubles as its own worker binary: a hidden
// --divvy-worker-slot flag, set only on the re-exec'd copies the
// master starts, switches a `divvy run` straight into the child main
// loop instead of the master loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/divvyhq/divvy"
	_ "github.com/divvyhq/divvy/examples/shatask"
	_ "github.com/divvyhq/divvy/examples/sleeptask"
)

// version is overridable at link time: -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "divvy:", err)
		os.Exit(exitCodeFor(err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "divvy",
		Short:         "foreground, fork-based parallel task runner",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the divvy version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

type runFlags struct {
	concurrency int
	verbose     bool
	socket      string
	config      string
	metricsAddr string

	// hidden — only ever set on the re-exec'd copy of argv the master builds
	workerSlot   int
	workerSocket string
}

type explicitFlags struct {
	concurrency bool
	verbose     bool
	socket      bool
	metricsAddr bool
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "run a task to completion across a pool of worker processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskName := args[0]
			if f.workerSlot >= 0 {
				return runChild(taskName, f)
			}
			explicit := explicitFlags{
				concurrency: cmd.Flags().Changed("concurrency"),
				verbose:     cmd.Flags().Changed("verbose"),
				socket:      cmd.Flags().Changed("socket"),
				metricsAddr: cmd.Flags().Changed("metrics-addr"),
			}
			return runParent(taskName, f, explicit)
		},
	}

	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", 1, "number of worker processes")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "verbose (debug-level) logging")
	cmd.Flags().StringVar(&f.socket, "socket", "", "override the rendezvous socket path")
	cmd.Flags().StringVar(&f.config, "config", "", "YAML config file merged under the flags above")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")

	cmd.Flags().IntVar(&f.workerSlot, "divvy-worker-slot", -1, "internal: re-exec as the worker for this pool slot")
	cmd.Flags().StringVar(&f.workerSocket, "divvy-worker-socket", "", "internal: rendezvous socket for worker mode")
	_ = cmd.Flags().MarkHidden("divvy-worker-slot")
	_ = cmd.Flags().MarkHidden("divvy-worker-socket")

	return cmd
}

// socketSetter is implemented by tasks that accept a socket override;
// both bundled examples do. A task that doesn't is simply stuck with
// whatever SocketPath it reports on its own.
type socketSetter interface {
	SetSocketPath(string)
}

// runParent is the master path: merge config + flags, load the task,
// build the pool, run it.
func runParent(taskName string, f runFlags, explicit explicitFlags) error {
	concurrency := f.concurrency
	verbose := f.verbose
	socketOverride := f.socket
	metricsAddr := f.metricsAddr

	if f.config != "" {
		cfg, err := divvy.LoadConfig(f.config)
		if err != nil {
			return &divvy.FatalError{Kind: divvy.ErrConfig, Err: err}
		}
		if !explicit.concurrency && cfg.Concurrency > 0 {
			concurrency = cfg.Concurrency
		}
		if !explicit.verbose && cfg.Verbose {
			verbose = true
		}
		if !explicit.socket && cfg.SocketPath != "" {
			socketOverride = cfg.SocketPath
		}
		if !explicit.metricsAddr && cfg.MetricsAddr != "" {
			metricsAddr = cfg.MetricsAddr
		}
	}

	log := divvy.NewLogger(verbose)

	task, err := divvy.Lookup(taskName)
	if err != nil {
		return &divvy.FatalError{Kind: divvy.ErrTaskLoad, Err: err}
	}
	if socketOverride != "" {
		if s, ok := task.(socketSetter); ok {
			s.SetSocketPath(socketOverride)
		}
	}
	socketPath := task.SocketPath()

	self, err := os.Executable()
	if err != nil {
		return &divvy.FatalError{Kind: divvy.ErrConfig, Err: fmt.Errorf("resolve own executable: %w", err)}
	}

	spawn := func(slot int) (*exec.Cmd, error) {
		args := []string{
			"run", taskName,
			"--divvy-worker-slot", strconv.Itoa(slot),
			"--divvy-worker-socket", socketPath,
		}
		if verbose {
			args = append(args, "--verbose")
		}
		cmd := exec.Command(self, args...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}

	master, err := divvy.NewMaster(task, concurrency, spawn, log)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		metrics := divvy.NewPromMetrics(prometheus.DefaultRegisterer)
		master = master.WithMetrics(metrics)
		srv := divvy.ServeMetrics(metricsAddr)
		defer func() { _ = divvy.ShutdownMetrics(srv) }()
	}

	if verbose {
		statsCtx, cancelStats := context.WithCancel(context.Background())
		defer cancelStats()
		go master.LogStats(statsCtx, log, 5*time.Second)
	}

	return master.Run()
}

// runChild is the re-exec'd worker path.
func runChild(taskName string, f runFlags) error {
	log := divvy.NewLogger(f.verbose)

	task, err := divvy.Lookup(taskName)
	if err != nil {
		return &divvy.FatalError{Kind: divvy.ErrTaskLoad, Err: err}
	}

	w := divvy.NewChildWorker(f.workerSlot)
	task.AfterFork(w)
	divvy.InstallChildSignalTraps(w)

	code := divvy.RunWorkerLoop(w, task, f.workerSocket, log)
	os.Exit(code)
	return nil
}

func exitCodeFor(err error) int {
	var fatal *divvy.FatalError
	if errors.As(err, &fatal) {
		return 1
	}
	return 1
}
