package cmd

import (
	"fmt"

	"voiceterm/internal/snapshot"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var snapshotPath string

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotShowCmd.Flags().StringVar(&snapshotPath, "path", "", "snapshot database (default is snapshot.path)")
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect the saved session snapshot",
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the saved sessions as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := snapshotPath
		if path == "" {
			path = cfg.Snapshot.Path
		}
		store, err := snapshot.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		return enc.Close()
	},
}
