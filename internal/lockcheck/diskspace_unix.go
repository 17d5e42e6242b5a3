//go:build unix

package lockcheck

import "golang.org/x/sys/unix"

// freeDiskSpace reports the free bytes available to this user on the
// filesystem containing dir.
func freeDiskSpace(dir string) (uint64, bool) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, false
	}
	return st.Bavail * uint64(st.Bsize), true
}
