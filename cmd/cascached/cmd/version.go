package cmd

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"
)

// populated at build time through ldflags
var (
	Version   string
	BuildDate string
	GitCommit string
)

// VersionInfo describes this build
type VersionInfo struct {
	Version   string `json:"version,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	GitCommit string `json:"gitCommit,omitempty"`
}

// NewVersionInfo assembles the build information, defaulting to "dev"
// for unstamped binaries
func NewVersionInfo() VersionInfo {
	ver := VersionInfo{
		Version:   "dev",
		BuildDate: BuildDate,
		GitCommit: GitCommit,
	}
	if Version != "" {
		ver.Version = Version
	}
	return ver
}

func (v VersionInfo) String() string {
	var buf bytes.Buffer
	buf.WriteString("Version: ")
	buf.WriteString(v.Version)
	buf.WriteString("\n")
	buf.WriteString("Build date: ")
	buf.WriteString(v.BuildDate)
	buf.WriteString("\n")
	buf.WriteString("Commit: ")
	buf.WriteString(v.GitCommit)
	buf.WriteString("\n")
	return buf.String()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "prints the version of cascached",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(NewVersionInfo())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
