package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/engine"
	"github.com/cmoretti/conductor/internal/registry"
	"github.com/cmoretti/conductor/pkg/models"
)

var (
	runDebugLog string
	runWorkers  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestration engine",
	Long: `Run the Conductor engine until interrupted.

The engine loads agent and tool definitions from the configured
definitions directory, claims queued tasks, and drives them through
their processes. Submit work from another terminal with
'conductor submit'.

Lifecycle events are printed as they happen. Stop with Ctrl-C; the
engine finishes claiming nothing new and waits for in-flight tasks to
reach a suspension point.`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&runDebugLog, "debug-log", "", "Write engine debug output to this file")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Override the configured worker pool size")
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if runWorkers > 0 {
		cfg.Engine.Workers = runWorkers
	}

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := registry.New(cfg.Definitions.Dir, db)
	if err := reg.Load(); err != nil {
		return fmt.Errorf("load definitions: %w", err)
	}
	if cfg.Definitions.Watch {
		if err := reg.Watch(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: definitions hot reload unavailable: %v\n", err)
		}
		defer reg.Close()
	}

	prov, err := createProvider(cfg)
	if err != nil {
		return err
	}

	logger, err := engine.NewDebugLogger(runDebugLog)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	eng := engine.New(db, prov,
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithRecursionDepth(cfg.Engine.RecursionDepth),
		engine.WithProviderRetries(cfg.Engine.ProviderRetries, cfg.Engine.RetryBaseDelay),
		engine.WithBlockedAttempts(cfg.Engine.BlockedAttempts),
		engine.WithWaitTimeout(cfg.Engine.WaitTimeout),
		engine.WithWatchdogInterval(cfg.Engine.WatchdogInterval),
		engine.WithDefaultMaxExecutionTime(cfg.Engine.MaxExecutionTime),
		engine.WithLogger(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	eng.Start(ctx)
	fmt.Printf("Conductor running: %d workers, definitions from %s\n",
		cfg.Engine.Workers, cfg.Definitions.Dir)
	fmt.Println("Submit tasks with 'conductor submit'. Ctrl-C to stop.")

	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			cancel()
			eng.Stop()
			return nil
		case ev := <-eng.Events():
			printEvent(ev)
		}
	}
}

// printEvent renders one engine event to the console.
func printEvent(ev engine.Event) {
	stamp := ev.Time.Format("15:04:05")
	line := fmt.Sprintf("[%s] task %d %s", stamp, ev.TaskID, ev.Type)
	if ev.Detail != "" {
		line += ": " + ev.Detail
	}

	switch {
	case ev.Type == engine.EventTaskTerminal && ev.Status == models.TaskStatusComplete:
		color.Green(line)
	case ev.Status == models.TaskStatusFailed || ev.Type == engine.EventWatchdogKill:
		color.Red(line)
	case ev.Status == models.TaskStatusBlocked || ev.Status == models.TaskStatusCancelled:
		color.Yellow(line)
	default:
		fmt.Println(line)
	}
}
