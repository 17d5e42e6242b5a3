//go:build !unix

package lockcheck

// freeDiskSpace is unavailable on this platform.
func freeDiskSpace(string) (uint64, bool) {
	return 0, false
}
