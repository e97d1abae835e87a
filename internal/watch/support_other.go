//go:build !linux

package watch

// notifySupported assumes notification works on non-Linux platforms; the
// fsnotify setup path still degrades to polling on runtime failure.
func notifySupported(string) bool {
	return true
}
