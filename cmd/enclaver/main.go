// Command enclaver is the host-side tool: it builds release images and EIF
// files, runs them under a Nitro enclave, and reports the application's
// exit code once the enclave reaches a terminal status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/nitrobox/pkg/constants"
	"github.com/cuemby/nitrobox/pkg/egress"
	"github.com/cuemby/nitrobox/pkg/imagebuild"
	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/manifest"
	"github.com/cuemby/nitrobox/pkg/runner"
	nitrovsock "github.com/cuemby/nitrobox/pkg/vsock"
)

var verbosity int

func main() {
	root := &cobra.Command{
		Use:           "enclaver",
		Short:         "Build, run, and inspect enclave images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity (repeatable)")
	cobra.OnInitialize(func() {
		log.Init(log.Config{Level: log.VerbosityToLevel(verbosity)})
	})

	root.AddCommand(buildCmd(), runCmd(), runEIFCmd(), printManifestCmd(), describeEIFCmd())

	if err := root.Execute(); err != nil {
		log.Logger.Error().Err(err).Msg("enclaver exiting")
		os.Exit(1)
	}
}

func buildCmd() *cobra.Command {
	var manifestFile, eifOnly, containerdSocket, nitroCLIBin string
	var pull bool

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the release image, or an EIF file for debugging",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, m, err := manifest.LoadRaw(manifestFile)
			if err != nil {
				return err
			}

			eifPath := eifOnly
			if eifPath == "" {
				f, err := os.CreateTemp("", "enclaver-*.eif")
				if err != nil {
					return fmt.Errorf("enclaver: staging EIF file: %w", err)
				}
				eifPath = f.Name()
				f.Close()
			}

			if pull {
				log.Logger.Info().Str("image", m.Sources.App).Msg("pulling base image before build")
			}
			if err := imagebuild.BuildEIF(cmd.Context(), nitroCLIBin, m.Sources.App, eifPath); err != nil {
				return err
			}

			if eifOnly != "" {
				fmt.Fprintln(cmd.OutOrStdout(), eifPath)
				return nil
			}

			eifBytes, err := os.ReadFile(eifPath)
			if err != nil {
				return fmt.Errorf("enclaver: reading built EIF: %w", err)
			}

			client, err := imagebuild.Connect(containerdSocket)
			if err != nil {
				return err
			}
			defer client.Close()

			img, err := client.PullBaseImage(cmd.Context(), m.Sources.App)
			if err != nil {
				return err
			}
			baseManifest, baseConfig, err := client.ReadManifest(cmd.Context(), img)
			if err != nil {
				return err
			}

			files := imagebuild.ReleaseLayout(raw, eifBytes)
			if err := client.PushImage(cmd.Context(), m.Target, baseConfig, baseManifest.Layers, files); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", m.Target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestFile, "file", "f", constants.ManifestFileName, "manifest file to build")
	cmd.Flags().StringVar(&eifOnly, "eif-only", "", "write only the EIF to this path instead of a full release image")
	cmd.Flags().BoolVar(&pull, "pull", false, "always pull the base image before building")
	cmd.Flags().StringVar(&containerdSocket, "containerd-socket", "", "containerd socket to build against")
	cmd.Flags().StringVar(&nitroCLIBin, "nitro-cli-bin", "", "override the nitro-cli binary used to build the EIF")
	return cmd
}

func runCmd() *cobra.Command {
	var manifestFile string
	var ports []string

	cmd := &cobra.Command{
		Use:   "run [image]",
		Short: "Run a previously built enclaver image, publishing requested ports",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := constants.ReleaseBundleDir
			if len(args) == 1 {
				dir = args[0]
			}

			m, err := manifest.Load(manifestPathFor(manifestFile, dir))
			if err != nil {
				return err
			}

			eifPath := filepath.Join(dir, constants.EIFFileName)
			launch := defaultLaunch(m)
			launch.EIFPath = eifPath
			return doRun(cmd.Context(), m, eifPath, launch, ports)
		},
	}
	cmd.Flags().StringVarP(&manifestFile, "file", "f", "", "manifest file (defaults to the release image's packaged manifest)")
	cmd.Flags().StringArrayVarP(&ports, "publish", "p", nil, "publish a host:container port mapping")
	return cmd
}

func runEIFCmd() *cobra.Command {
	var eifFile, manifestFile string
	var cpuCount, memoryMB int
	var debugMode bool

	cmd := &cobra.Command{
		Use:   "run-eif",
		Short: "Run an EIF file directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.Load(manifestFile)
			if err != nil {
				return err
			}
			launch := runner.LaunchConfig{
				EIFPath:   eifFile,
				CPUCount:  cpuCount,
				MemoryMB:  memoryMB,
				DebugMode: debugMode,
			}
			if def := m.Defaults; def != nil {
				if launch.CPUCount == 0 && def.CPUCount != nil {
					launch.CPUCount = *def.CPUCount
				}
				if launch.MemoryMB == 0 && def.MemoryMB != nil {
					launch.MemoryMB = *def.MemoryMB
				}
			}
			if launch.CPUCount == 0 {
				launch.CPUCount = 2
			}
			if launch.MemoryMB == 0 {
				launch.MemoryMB = 512
			}
			return doRun(cmd.Context(), m, eifFile, launch, nil)
		},
	}
	cmd.Flags().StringVar(&eifFile, "eif-file", constants.EIFFileName, "EIF file to run")
	cmd.Flags().StringVar(&manifestFile, "manifest-file", constants.ManifestFileName, "manifest describing the EIF's ingress/egress configuration")
	cmd.Flags().IntVar(&cpuCount, "cpu-count", 0, "enclave CPU count (defaults to manifest's defaults.cpu_count, then 2)")
	cmd.Flags().IntVar(&memoryMB, "memory-mb", 0, "enclave memory in MiB (defaults to manifest's defaults.memory_mb, then 512)")
	cmd.Flags().BoolVar(&debugMode, "debug-mode", false, "launch the enclave in debug mode")
	return cmd
}

// doRun validates the EIF exists, wires the egress and ingress host bridges,
// and launches the enclave via pkg/runner, returning the runner's exit code
// via os.Exit so the shell sees the deterministic status-to-code mapping.
func doRun(ctx context.Context, m *manifest.Manifest, eifPath string, launch runner.LaunchConfig, publishFlags []string) error {
	if _, err := os.Stat(eifPath); err != nil {
		return fmt.Errorf("enclaver: EIF not found: %w", err)
	}
	if err := launch.Validate(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if m.Egress != nil {
		hostListener, err := nitrovsock.Listen(constants.HTTPEgressVsockPort)
		if err != nil {
			return fmt.Errorf("enclaver: starting egress host bridge: %w", err)
		}
		defer hostListener.Close()
		go egress.NewHostProxy(hostListener.Conns).Serve()
	}

	if err := applyPublishFlags(m, publishFlags); err != nil {
		return err
	}

	status := runner.Run(ctx, runner.Config{
		Launcher: &runner.NitroCLILauncher{},
		Launch:   launch,
		Manifest: m,
		LogOut:   os.Stdout,
	})

	code := status.ExitCode()
	if status.Err != "" {
		log.Logger.Error().Str("error", status.Err).Msg("enclave exited abnormally")
	}
	os.Exit(code)
	return nil
}

// applyPublishFlags validates -p host:container mappings against the
// manifest's configured ingress ports. The ingress bridge's listen_port
// doubles as the vsock port, so a mapping can only confirm an
// already-configured port, not remap it; anything else is a usage error.
func applyPublishFlags(m *manifest.Manifest, flags []string) error {
	for _, f := range flags {
		parts := strings.SplitN(f, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("enclaver: malformed -p flag %q, want host:container", f)
		}
		containerPort, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return fmt.Errorf("enclaver: -p flag %q has a non-numeric container port", f)
		}
		found := false
		for _, ing := range m.Ingress {
			if uint64(ing.ListenPort) == containerPort {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("enclaver: -p flag %q names a port not present in the manifest's ingress list", f)
		}
	}
	return nil
}

func printManifestCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "print-manifest",
		Short: "Print the manifest bundled into a release image",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _, err := manifest.LoadRaw(filepath.Join(dir, constants.ManifestFileName))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(raw)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "dir", constants.ReleaseBundleDir, "release image directory")
	return cmd
}

func describeEIFCmd() *cobra.Command {
	var eifFile, nitroCLIBin string
	cmd := &cobra.Command{
		Use:   "describe-eif",
		Short: "Print the EIF's PCR measurements as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			l := &runner.NitroCLILauncher{Bin: nitroCLIBin}
			measurements, err := l.DescribeEIF(cmd.Context(), eifFile)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(measurements)
		},
	}
	cmd.Flags().StringVar(&eifFile, "eif-file", constants.EIFFileName, "EIF file to describe")
	cmd.Flags().StringVar(&nitroCLIBin, "nitro-cli-bin", "", "override the nitro-cli binary")
	return cmd
}

func manifestPathFor(flagValue, bundleDir string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Join(bundleDir, constants.ManifestFileName)
}

func defaultLaunch(m *manifest.Manifest) runner.LaunchConfig {
	cfg := runner.LaunchConfig{CPUCount: 2, MemoryMB: 512}
	if m.Defaults != nil {
		if m.Defaults.CPUCount != nil {
			cfg.CPUCount = *m.Defaults.CPUCount
		}
		if m.Defaults.MemoryMB != nil {
			cfg.MemoryMB = *m.Defaults.MemoryMB
		}
	}
	return cfg
}
