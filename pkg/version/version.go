// Package version derives the build identity reported in health responses
// and user-agent strings. Precedence: -ldflags override, then VCS revision
// from the embedded build info, then "dev".
package version

import "runtime/debug"

// AppName prefixes version strings, e.g. "squadron/a3f8c2d1".
const AppName = "squadron"

// commitOverride is injected with -ldflags for builds without a .git
// directory, such as container image builds.
var commitOverride string

// GitCommit is the short commit hash, or "dev" when nothing is known.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return short(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return short(s.Value)
			}
		}
	}
	return "dev"
}

func short(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns AppName and commit joined, e.g. "squadron/dev".
func Full() string {
	return AppName + "/" + GitCommit
}
