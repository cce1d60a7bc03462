// Package version derives the build identity reported in logs and the
// health endpoint.
package version

import "runtime/debug"

// AppName prefixes version strings and log output.
const AppName = "conductor"

// commitOverride is injected with -ldflags for builds without a .git
// directory (container builds). Empty means derive from build info.
var commitOverride string

// GitCommit is the short commit hash, or "dev" when neither an override
// nor VCS build info is available (go test, source tarballs).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "conductor/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
