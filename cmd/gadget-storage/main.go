package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/mphacker/TeslaUSB-sub000/internal/mode"
)

// Version information - set via ldflags at build time
// Example: go build -ldflags "-X main.version=1.0.0 -X main.gitCommit=$(git rev-parse HEAD)"
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "gadget-storage",
		Usage:   "Switch disk images between USB gadget exposure and local editing",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Configuration file (YAML or JSON) layered over the built-in defaults",
				EnvVars: []string{"GADGET_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"GADGET_LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:    "skip-preflight",
				Usage:   "Do not verify kernel, filesystem and tool requirements",
				EnvVars: []string{"GADGET_SKIP_PREFLIGHT"},
			},
		},
		Before: func(cliCtx *cli.Context) error {
			return log.SetLevel(cliCtx.String("log-level"))
		},
		Commands: []*cli.Command{
			presentCommand,
			editCommand,
			statusCommand,
			checkCommand,
			quickEditCommand,
			lockCommand,
		},
		ExitErrHandler: func(*cli.Context, error) {},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(mode.ExitCode(err))
	}
}
