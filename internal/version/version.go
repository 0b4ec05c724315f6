// Package version reports build information. Values are injected with
// -ldflags "-X github.com/stupiduntilnot/chatstream/internal/version.gitVersion=..."
// and otherwise fall back to the module's VCS build settings.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/gosuri/uitable"
)

var (
	gitVersion = "v0.0.0-dev"
	gitCommit  = ""
	buildDate  = ""
)

type Info struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit,omitempty"`
	Modified   bool   `json:"modified,omitempty"`
	BuildDate  string `json:"buildDate,omitempty"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

func (info Info) String() string {
	if info.Modified {
		return info.GitVersion + "-dirty"
	}
	return info.GitVersion
}

func (info Info) ToJSON() (string, error) {
	s, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal version info: %w", err)
	}
	return string(s), nil
}

// Text renders the info as an aligned two-column table.
func (info Info) Text() string {
	table := uitable.New()
	table.RightAlign(0)
	table.MaxColWidth = 80
	table.Separator = " "
	table.AddRow("version:", info.String())
	if info.GitCommit != "" {
		table.AddRow("commit:", info.GitCommit)
	}
	if info.BuildDate != "" {
		table.AddRow("buildDate:", info.BuildDate)
	}
	table.AddRow("goVersion:", info.GoVersion)
	table.AddRow("platform:", info.Platform)
	return table.String()
}

func Get() Info {
	info := Info{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = s.Value
				}
			case "vcs.time":
				if info.BuildDate == "" {
					info.BuildDate = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
	}
	return info
}
