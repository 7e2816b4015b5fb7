package health

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"
)

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	OS        string    `json:"os"`
	Arch      string    `json:"arch"`
}

// getBuildInfo summarizes the binary provenance for the version route.
// VCS stamping from the Go toolchain is the primary source; BUILD_*
// environment variables override it for builds outside a checkout.
func getBuildInfo() string {
	info := &BuildInfo{
		Version:   "dev",
		GitCommit: "unknown",
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = t
				}
			}
		}
	}

	if v := os.Getenv("BUILD_VERSION"); v != "" {
		info.Version = v
	}
	if v := os.Getenv("BUILD_COMMIT"); v != "" {
		info.GitCommit = v
	}
	if v := os.Getenv("BUILD_TIME"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.BuildTime = t
		}
	}

	return fmt.Sprintf("%s-%s (%s)", info.Version, shortCommit(info.GitCommit), info.BuildTime.Format("2006-01-02"))
}

func shortCommit(commit string) string {
	if len(commit) > 7 {
		return commit[:7]
	}
	return commit
}
