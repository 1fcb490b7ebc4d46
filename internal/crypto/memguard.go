//go:build linux || darwin

package crypto

import "golang.org/x/sys/unix"

// LockMemory pins b so key material is never swapped to disk.
func LockMemory(b []byte) error { return unix.Mlock(b) }
