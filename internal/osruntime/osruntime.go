// Package osruntime is the thin OS/NUMA collaborator described in spec.md
// §6: per-CPU pin, core-count discovery, and a cycle-counter stand-in.
// spec.md explicitly scopes CPU-pinning/NUMA allocation primitives as an
// external collaborator; this package is that collaborator's Go-native
// implementation, grounded on the teacher's gopsutil/automaxprocs usage
// (capacity.go, cgroup.go, main.go) plus golang.org/x/sys for the
// Linux-specific affinity syscall the teacher never needed (it pins
// processes via container CPU limits, not per-thread affinity).
package osruntime

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sys/unix"
)

// NumCores returns the number of logical cores visible to this process,
// preferring gopsutil (cgroup-aware) over runtime.NumCPU.
func NumCores() (int, error) {
	n, err := cpu.Counts(true)
	if err != nil || n == 0 {
		return runtime.NumCPU(), nil
	}
	return n, nil
}

// PinCurrentThread pins the calling OS thread to a single core. The caller
// must have already called runtime.LockOSThread so the goroutine is not
// migrated elsewhere by the Go scheduler; PinCurrentThread only pins the OS
// thread underneath it. It uses the Linux sched_setaffinity syscall and
// returns its error if the call fails.
func PinCurrentThread(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("osruntime: pin to core %d: %w", core, err)
	}
	return nil
}

// CycleCounter is the source used to seed per-replica randomized backoff
// (spec.md §5, "Design Notes": seed from a cycle counter). Go has no
// portable rdtsc; this returns the wall-clock time in nanoseconds
// (time.Now().UnixNano()), which is not monotonic but is enough to seed a
// PRNG.
func CycleCounter() uint64 {
	return uint64(time.Now().UnixNano())
}
