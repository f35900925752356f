package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at link time with -ldflags "-X github.com/ggonzalez94/vault-cli/internal/version.Commit=...".
var (
	CLIName    = "vault"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

type Info struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Current reports build metadata. A commit left unset at link time falls back to
// the VCS revision stamped by the go toolchain, when there is one.
func Current() Info {
	info := Info{
		Name:      CLIName,
		Version:   CLIVersion,
		Commit:    Commit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info.Commit != "unknown" {
		return info
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				info.Commit = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s %s)", i.Name, i.Version, i.Commit, i.BuildDate, i.GoVersion, i.Platform)
}
