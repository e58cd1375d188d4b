package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/cuemby/nitrobox/pkg/attestation"
	"github.com/cuemby/nitrobox/pkg/log"
)

// LaunchConfig is the input to the external enclave CLI tool's
// run-enclave operation.
type LaunchConfig struct {
	EIFPath   string
	CPUCount  int
	MemoryMB  int
	DebugMode bool
}

// Validate rejects CPU count < 1 or memory < 64 MiB before any enclave
// launch attempt.
func (c LaunchConfig) Validate() error {
	if c.CPUCount < 1 {
		return fmt.Errorf("runner: cpu count must be >= 1, got %d", c.CPUCount)
	}
	if c.MemoryMB < 64 {
		return fmt.Errorf("runner: memory must be >= 64 MiB, got %d", c.MemoryMB)
	}
	return nil
}

// EnclaveHandle identifies a running enclave for later termination and for
// the vsock CID the ingress/egress/log/status dialers connect to.
type EnclaveHandle struct {
	EnclaveID string
	CID       uint32
}

// Launcher is the external enclave-launch tool's interface. The tool
// itself ships separately; only its observable effects matter here.
type Launcher interface {
	Launch(ctx context.Context, cfg LaunchConfig) (EnclaveHandle, error)
	Terminate(ctx context.Context, h EnclaveHandle) error
}

// NitroCLILauncher shells out to the nitro-cli binary, the standard
// external tool for this job (grounded on the nitro-cli invocation pattern
// that appears throughout the retrieved corpus's enclave runtime examples).
type NitroCLILauncher struct {
	// Bin overrides the nitro-cli binary name/path, for tests.
	Bin string
}

func (l *NitroCLILauncher) bin() string {
	if l.Bin != "" {
		return l.Bin
	}
	return "nitro-cli"
}

type runEnclaveOutput struct {
	EnclaveID  string `json:"EnclaveID"`
	EnclaveCID uint32 `json:"EnclaveCID"`
	ProcessID  int    `json:"ProcessID,omitempty"`
}

// Launch invokes `nitro-cli run-enclave` and parses its JSON stdout for the
// assigned enclave ID and vsock CID.
func (l *NitroCLILauncher) Launch(ctx context.Context, cfg LaunchConfig) (EnclaveHandle, error) {
	if err := cfg.Validate(); err != nil {
		return EnclaveHandle{}, err
	}

	args := []string{
		"run-enclave",
		"--eif-path", cfg.EIFPath,
		"--cpu-count", fmt.Sprint(cfg.CPUCount),
		"--memory", fmt.Sprint(cfg.MemoryMB),
	}
	if cfg.DebugMode {
		args = append(args, "--debug-mode")
	}

	cmd := exec.CommandContext(ctx, l.bin(), args...)
	out, err := cmd.Output()
	if err != nil {
		return EnclaveHandle{}, fmt.Errorf("runner: nitro-cli run-enclave failed: %w", err)
	}

	var parsed runEnclaveOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return EnclaveHandle{}, fmt.Errorf("runner: parsing nitro-cli run-enclave output: %w", err)
	}

	log.Logger.Info().Str("enclave_id", parsed.EnclaveID).Uint32("cid", parsed.EnclaveCID).Msg("enclave launched")
	return EnclaveHandle{EnclaveID: parsed.EnclaveID, CID: parsed.EnclaveCID}, nil
}

// Terminate invokes `nitro-cli terminate-enclave`.
func (l *NitroCLILauncher) Terminate(ctx context.Context, h EnclaveHandle) error {
	cmd := exec.CommandContext(ctx, l.bin(), "terminate-enclave", "--enclave-id", h.EnclaveID)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("runner: nitro-cli terminate-enclave failed: %w: %s", err, out)
	}
	log.Logger.Info().Str("enclave_id", h.EnclaveID).Msg("enclave terminated")
	return nil
}

type describeEIFOutput struct {
	Measurements struct {
		HashAlgorithm string `json:"HashAlgorithm"`
		PCR0          string `json:"PCR0"`
		PCR1          string `json:"PCR1"`
		PCR2          string `json:"PCR2"`
		PCR8          string `json:"PCR8,omitempty"`
	} `json:"Measurements"`
}

// DescribeEIF shells out to `nitro-cli describe-eif` and extracts the
// PCR digests. PCR8 is only present when the EIF was built with a signing
// certificate, and is omitted otherwise rather than reported as an empty
// string.
func (l *NitroCLILauncher) DescribeEIF(ctx context.Context, eifPath string) (attestation.Measurements, error) {
	cmd := exec.CommandContext(ctx, l.bin(), "describe-eif", "--eif-path", eifPath)
	out, err := cmd.Output()
	if err != nil {
		return attestation.Measurements{}, fmt.Errorf("runner: nitro-cli describe-eif failed: %w", err)
	}

	var parsed describeEIFOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return attestation.Measurements{}, fmt.Errorf("runner: parsing nitro-cli describe-eif output: %w", err)
	}

	m := attestation.Measurements{
		PCR0: parsed.Measurements.PCR0,
		PCR1: parsed.Measurements.PCR1,
		PCR2: parsed.Measurements.PCR2,
	}
	if parsed.Measurements.PCR8 != "" {
		pcr8 := parsed.Measurements.PCR8
		m.PCR8 = &pcr8
	}
	return m, nil
}
