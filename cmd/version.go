package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Injected with -ldflags "-X github.com/khanhnv2901/arachne-lens/cmd.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionJSON bool

type buildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// currentBuildInfo fills commit and date from the embedded VCS stamp when ldflags
// did not set them.
func currentBuildInfo() buildInfo {
	info := buildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.GitCommit == "unknown":
			info.GitCommit = s.Value
		case s.Key == "vcs.time" && info.BuildDate == "unknown":
			info.BuildDate = s.Value
		}
	}
	return info
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the lens version. --verbose adds build details, --json prints them as one JSON object.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch {
		case versionJSON:
			return json.NewEncoder(out).Encode(currentBuildInfo())
		case verbose:
			printBuildInfo(out, currentBuildInfo())
		default:
			fmt.Fprintf(out, "lens version %s\n", Version)
		}
		return nil
	},
}

func printBuildInfo(out io.Writer, info buildInfo) {
	fmt.Fprintf(out, "lens %s\n", info.Version)
	fmt.Fprintf(out, "  commit:   %s\n", info.GitCommit)
	fmt.Fprintf(out, "  built:    %s\n", info.BuildDate)
	fmt.Fprintf(out, "  go:       %s\n", info.GoVersion)
	fmt.Fprintf(out, "  platform: %s\n", info.Platform)
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print build information as JSON")
}
