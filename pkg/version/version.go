// Package version reports the build identity shown in health responses and
// startup logs.
//
// A release stamped via -ldflags wins; otherwise the VCS revision embedded by
// the Go toolchain is used, with "+dirty" appended for modified trees.
package version

import "runtime/debug"

// release is stamped at build time:
//
//	go build -ldflags "-X github.com/stepflow-ai/stepflow/pkg/version.release=v0.3.0"
var release string

// GitCommit identifies the running build. It is the stamped release when one
// was provided, the short VCS revision otherwise, or "dev" for builds without
// either (go test, stripped binaries).
var GitCommit = resolve()

func resolve() string {
	if release != "" {
		return release
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	rev, dirty := "", false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "dev"
	}
	if len(rev) > 8 {
		rev = rev[:8]
	}
	if dirty {
		rev += "+dirty"
	}
	return rev
}

// Full returns "stepflow/<commit>" for log banners and user agents.
func Full() string {
	return "stepflow/" + GitCommit
}
