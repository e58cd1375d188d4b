// Package bootstrap performs the enclave's one-shot bring-up: the loopback
// interface has to be brought up by hand (there is no init system doing it
// for us), and the kernel's entropy pool needs seeding from the NSM device
// before anything that reads /dev/urandom under load can be trusted.
//
// Skipped entirely when the supervisor is invoked with --no-bootstrap, as
// in local dev runs outside a real enclave.
package bootstrap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/cuemby/nitrobox/pkg/log"
)

const loopbackIndex = 1

// BringUpLoopback sets IFF_UP on interface index 1 (lo) via an ioctl on a
// throwaway AF_INET socket, the same mechanism a netlink SETLINK message
// would use but without pulling in a netlink dependency for one flag.
func BringUpLoopback() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("bootstrap: opening control socket: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return fmt.Errorf("bootstrap: building ifreq: %w", err)
	}

	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bootstrap: SIOCGIFFLAGS: %w", err)
	}

	flags := ifr.Uint16()
	if flags&unix.IFF_UP != 0 {
		log.Debug("loopback interface already up")
		return nil
	}
	ifr.SetUint16(flags | unix.IFF_UP | unix.IFF_RUNNING)

	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bootstrap: SIOCSIFFLAGS: %w", err)
	}

	log.Info("loopback interface is up")
	return nil
}

// EntropySource produces random bytes to seed the kernel pool, normally
// backed by the NSM device (see pkg/attestation).
type EntropySource interface {
	RandomBytes(n int) ([]byte, error)
}

// SeedEntropy reads n bytes from src and writes them to /dev/random: the
// kernel CSPRNG folds in anything written to /dev/random as if it came
// from a hardware noise source, no ioctl needed.
func SeedEntropy(src EntropySource, n int) error {
	buf, err := src.RandomBytes(n)
	if err != nil {
		return fmt.Errorf("bootstrap: reading entropy from NSM: %w", err)
	}

	f, err := os.OpenFile("/dev/random", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("bootstrap: opening /dev/random: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("bootstrap: writing entropy seed: %w", err)
	}

	log.Info("seeded kernel entropy pool")
	return nil
}
