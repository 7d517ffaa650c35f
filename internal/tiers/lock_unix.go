//go:build unix

package tiers

import (
	"os"

	"golang.org/x/sys/unix"
)

func lockFile(path string, exclusive bool) (func(), error) {
	flags := os.O_RDWR | os.O_CREATE
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if !exclusive && os.IsNotExist(err) {
			return func() {}, nil
		}
		return nil, err
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
