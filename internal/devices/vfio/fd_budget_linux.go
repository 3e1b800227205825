//go:build linux

package vfio

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// minNoFileLimit must cover 128 (container/group/device fds, plus headroom
// for other subsystems) plus one trigger eventfd per vector, summed across
// every MSI-X-capable function a process might attach. The PCIe spec caps a
// single MSI-X table at 2048 entries, so a single such device alone needs
// 128+2048*2 fds accounting for both the trigger and resample fd reserved
// per vector; this floor covers that worst case with headroom for more than
// one such device in the same process.
const minNoFileLimit = 8192

var fdBudgetRaised atomic.Bool

// EnsureFDBudget raises RLIMIT_NOFILE's soft limit to at least
// minNoFileLimit, if the hard limit allows it. Every vector of a passthrough
// device with MSI-X needs its own trigger and resample eventfd, so a device
// with many queues can exhaust the default 1024 soft limit on its own.
// Idempotent: the rlimit bump only runs once per process.
func EnsureFDBudget() error {
	if fdBudgetRaised.Load() {
		return nil
	}

	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("vfio: getrlimit NOFILE: %w", err)
	}
	if limit.Cur >= minNoFileLimit {
		fdBudgetRaised.Store(true)
		return nil
	}

	target := uint64(minNoFileLimit)
	if limit.Max < target {
		target = limit.Max
	}
	limit.Cur = target
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("vfio: setrlimit NOFILE to %d: %w", target, err)
	}

	fdBudgetRaised.Store(true)
	return nil
}
