//go:build linux || darwin

// Package platform applies process-level hardening before vaultd touches any
// key material.
package platform

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DisableCoreDumps sets RLIMIT_CORE to zero.
func DisableCoreDumps() error {
	var rlim unix.Rlimit
	rlim.Cur = 0
	rlim.Max = 0
	return unix.Setrlimit(unix.RLIMIT_CORE, &rlim)
}

// Harden disables core dumps and, where the OS supports it, marks the process
// non-dumpable so other processes of the same user cannot ptrace it. Every
// step is attempted; the errors are joined.
func Harden() error {
	return errors.Join(DisableCoreDumps(), disableDumpable())
}
