package buildinfo

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/ankouros/ptermbridge/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// commit falls back to the VCS revision stamped by the go toolchain.
func commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 12 {
			return s.Value[:12]
		}
	}
	return ""
}

// String returns a human-readable version string.
func String() string {
	v := Version
	if v == "" {
		v = "dev"
	}
	info := fmt.Sprintf("ptermbridge %s", v)
	if c := commit(); c != "" {
		info = fmt.Sprintf("%s (%s)", info, c)
	}
	if BuildTime != "" {
		info = fmt.Sprintf("%s built at %s", info, BuildTime)
	}
	return fmt.Sprintf("%s %s/%s", info, runtime.GOOS, runtime.GOARCH)
}

// Attr groups the build fields for structured logs.
func Attr() slog.Attr {
	return slog.Group("build",
		slog.String("version", Version),
		slog.String("commit", commit()),
		slog.String("go", runtime.Version()),
	)
}
