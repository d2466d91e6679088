// Command patchtree drives one AgentLoop run against a local sandbox and an
// OpenAI-compatible model endpoint. It is glue: config in, loop out, per
// spec.md's Non-goals ("not a full CLI UX").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/vsavkov/patchtree/internal/agentloop"
	"github.com/vsavkov/patchtree/internal/config"
	"github.com/vsavkov/patchtree/internal/modelclient"
	"github.com/vsavkov/patchtree/internal/sandbox"
)

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigCh := make(chan os.Signal, 1)
	stopCh := make(chan struct{})
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				cancel(fmt.Errorf("stopped by signal %s", sig.String()))
			case <-stopCh:
				return
			}
		}
	}()
	cleanup := func() {
		signal.Stop(sigCh)
		close(stopCh)
		cancel(nil)
	}
	return ctx, cleanup
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  patchtree run --config <run.yaml> [--instance-id <id>]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func runCmd(args []string) {
	var configPath string
	var instanceID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--instance-id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--instance-id requires a value")
				os.Exit(1)
			}
			instanceID = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}
	if instanceID == "" {
		instanceID = strconv.FormatInt(int64(os.Getpid()), 10)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sb := sandbox.NewLocalExec(cfg.Sandbox.WorkingDir)

	model := modelclient.NewRetryingClient(
		modelclient.NewOpenAICompat(modelclient.Config{
			Provider: cfg.Model.Provider,
			APIKey:   cfg.APIKey(),
			BaseURL:  cfg.Model.BaseURL,
			Path:     cfg.Model.Path,
			Model:    cfg.Model.Name,
		}),
		modelclient.BackoffConfig{
			InitialDelayMS: cfg.Retry.InitialDelayMS,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			MaxDelayMS:     cfg.Retry.MaxDelayMS,
			Jitter:         true,
			MaxAttempts:    cfg.Retry.MaxAttempts,
		},
		instanceID,
	)

	loop := agentloop.New(cfg, sb, model, instanceID)

	// Default: no deadline. Agent runs against real test suites can take a
	// long time; the operator cancels with SIGINT/SIGTERM instead.
	ctx, cleanup := signalCancelContext()
	answer, err := loop.Run(ctx)
	cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("instance_id=%s\n", instanceID)
	fmt.Println(answer)
	os.Exit(0)
}
