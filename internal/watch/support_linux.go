//go:build linux

package watch

import "golang.org/x/sys/unix"

const nfsSuperMagic = 0x6969

// notifySupported reports whether the filesystem under path delivers
// reliable change notifications. Network filesystems do not.
func notifySupported(path string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false
	}
	if st.Type == nfsSuperMagic {
		return false
	}
	return true
}
