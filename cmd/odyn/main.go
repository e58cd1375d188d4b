// Command odyn is the in-enclave init: it loads the packaged manifest,
// brings up every enclave-side service, launches the application, and
// reaps it and any other descendant until the application exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/nitrobox/pkg/constants"
	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/manifest"
	"github.com/cuemby/nitrobox/pkg/status"
	"github.com/cuemby/nitrobox/pkg/supervisor"
)

var (
	noBootstrap bool
	noConsole   bool
	configDir   string
	verbosity   int
)

func main() {
	root := &cobra.Command{
		Use:           "odyn -- <entrypoint> [args...]",
		Short:         "Enclave supervisor: boots services, launches, and reaps the application",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.PersistentFlags().BoolVar(&noBootstrap, "no-bootstrap", false, "skip loopback bring-up and entropy seeding (for local dev runs outside a real enclave)")
	root.PersistentFlags().BoolVar(&noConsole, "no-console", false, "suppress the human-readable console logger in favor of structured JSON")
	root.PersistentFlags().StringVar(&configDir, "config-dir", constants.EnclaveConfigDir, "directory containing the packaged enclaver.yaml manifest")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")

	cobra.OnInitialize(func() {
		log.Init(log.Config{
			Level:      log.VerbosityToLevel(verbosity),
			JSONOutput: noConsole,
		})
	})

	if err := root.Execute(); err != nil {
		log.Logger.Error().Err(err).Msg("odyn exiting")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	dashAt := cmd.Flags().ArgsLenAtDash()
	var entrypoint []string
	if dashAt >= 0 {
		entrypoint = args[dashAt:]
	} else {
		entrypoint = args
	}
	if len(entrypoint) == 0 {
		return fmt.Errorf("odyn: no entrypoint given after --")
	}

	manifestPath := filepath.Join(configDir, constants.ManifestFileName)
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("odyn: loading manifest: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup, err := supervisor.New(supervisor.Config{
		Manifest:    m,
		NoBootstrap: noBootstrap,
		NoConsole:   noConsole,
		Entrypoint:  entrypoint,
	})
	if err != nil {
		return fmt.Errorf("odyn: constructing supervisor: %w", err)
	}

	final := sup.Run(ctx)

	// odyn's own process exit code is not load-bearing: the host-side
	// runner learns the application's outcome from the status channel,
	// not from odyn's exit status. A fatal
	// initialization error still exits nonzero so container-level
	// tooling watching odyn directly (outside the enclave model) notices.
	if final.Status == status.Fatal {
		return fmt.Errorf("odyn: %s", final.Error)
	}
	return nil
}
