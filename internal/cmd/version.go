package cmd

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	// Skip config loading so a broken config file does not hide the version.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		info, _ := debug.ReadBuildInfo()
		showVersion(cmd.OutOrStdout(), info)
	},
}

func showVersion(w io.Writer, info *debug.BuildInfo) {
	if info == nil {
		fmt.Fprintf(w, "voiceterm version %s\n", version)
		fmt.Fprintf(w, "  commit: %s\n", commit)
		fmt.Fprintf(w, "  built: %s\n", date)
		fmt.Fprintf(w, "  go: %s\n", runtime.Version())
		fmt.Fprintf(w, "  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return
	}

	fmt.Fprintf(w, "voiceterm version %s\n", getVersion(info))

	var revision, built string
	var modified bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			built = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision != "" {
		fmt.Fprintf(w, "  commit: %s\n", revision)
		if modified {
			fmt.Fprintln(w, "  modified: true")
		}
	}
	if built != "" {
		fmt.Fprintf(w, "  built: %s\n", built)
	}
	fmt.Fprintf(w, "  go: %s\n", info.GoVersion)
	fmt.Fprintf(w, "  os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func getVersion(info *debug.BuildInfo) string {
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	if version != "dev" {
		return version
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			if len(s.Value) > 7 {
				return s.Value[:7]
			}
			return s.Value
		}
	}
	return "dev"
}
