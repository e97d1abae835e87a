// Package version derives the binary's reported version from a linker-set
// release tag or the embedded build info.
package version

import (
	"runtime/debug"
	"strings"
)

// tag is injected at release time via
// -ldflags "-X pkt.systems/reloadd/internal/version.tag=v1.2.3".
var tag string

const modulePath = "pkt.systems/reloadd"

// Module reports the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Path != "" {
		return info.Main.Path
	}
	return modulePath
}

// Current reports the linked release tag, the module version of a tagged
// build, or a commit-derived description for development builds.
func Current() string {
	if v := strings.TrimSpace(tag); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "devel"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	rev, dirty := vcsState(info)
	switch {
	case rev == "":
		return "devel"
	case dirty:
		return "devel-" + rev + "-dirty"
	default:
		return "devel-" + rev
	}
}

// Revision reports the abbreviated VCS commit the binary was built from,
// empty when the build carries no VCS stamp.
func Revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	rev, _ := vcsState(info)
	return rev
}

func vcsState(info *debug.BuildInfo) (revision string, dirty bool) {
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	if len(revision) > 10 {
		revision = revision[:10]
	}
	return revision, dirty
}
