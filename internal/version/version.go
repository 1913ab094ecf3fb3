// Package version derives a human-readable version string from the build
// info stamped into the binary.
package version

import (
	"runtime/debug"
	"strings"
)

func revision() (rev string, modified, ok bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false, false
	}
	settings := make(map[string]string)
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	if rev, ok := settings["vcs.revision"]; ok {
		return rev, settings["vcs.modified"] == "true", true
	}
	// Built as a module dependency: Main.Version looks like
	// v0.0.0-20230107144322-7a5757f46310.
	v := info.Main.Version
	if idx := strings.LastIndexByte(v, '-'); idx > -1 {
		return v[idx+1:], false, true
	}
	return "", false, false
}

// Read returns a short version identifier such as "g7a5757+".
func Read() string {
	rev, modified, ok := revision()
	if !ok {
		return "unknown"
	}
	suffix := ""
	if modified {
		suffix = "+"
	}
	if len(rev) > 6 {
		rev = rev[:6]
	}
	return "g" + rev + suffix
}
