//go:build !windows
// +build !windows

package controlfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes an OS-level exclusive advisory lock on f for the
// lifetime of the process's handle (spec.md §4.2: "held by an exclusive
// OS-level file lock for the lifetime of the Control File handle").
// Acquisition failure is fatal for the current sweep: another worker is
// active on this (target, source GUID) pair.
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// syncOpenFlags are the flags used to open the control file in
// synchronous-write mode (spec.md §3: "Opened with synchronous-write").
const syncOpenFlags = os.O_RDWR | os.O_CREATE | os.O_SYNC
