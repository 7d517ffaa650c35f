//go:build !unix

package tiers

// Without flock the in-process mutex is the only guard.
func lockFile(string, bool) (func(), error) {
	return func() {}, nil
}
