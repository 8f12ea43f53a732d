package cmd

import (
	"context"
	"os"
	"path/filepath"

	"voiceterm/internal/api"
	"voiceterm/internal/app"
	"voiceterm/internal/tui"

	"github.com/spf13/cobra"
)

var runVoiceInput string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runVoiceInput, "voice-input", "", "file or FIFO an external recogniser writes transcripts to")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the interactive terminal UI",
	Long: `Start the interactive terminal UI.

Commands can be typed into the input line or spoken. Speech comes from an
external recogniser writing one transcript per line to --voice-input; press
the voice toggle key to start and stop listening. Logs go to log.file, or to
voiceterm.log in the temp directory when unset.`,
	RunE: runTUI,
}

func runTUI(cmd *cobra.Command, args []string) error {
	logger, closer, err := newLogger(filepath.Join(os.TempDir(), "voiceterm.log"))
	if err != nil {
		return err
	}
	defer closer.Close()

	opts := app.Options{Logger: logger}
	if runVoiceInput != "" {
		f, err := openVoiceSource(runVoiceInput)
		if err != nil {
			return err
		}
		defer f.Close()
		opts.Engine = lineEngine(f)
	}

	a, err := app.New(cfg, opts)
	if err != nil {
		return err
	}
	if err := a.Start(cmd.Context()); err != nil {
		return err
	}
	defer a.Stop(context.Background())

	if cfg.API.Addr != "" {
		e := api.NewServer(a, logger)
		serve(e, cfg.API.Addr, logger)
		defer shutdown(e)
	}

	return tui.Run(a, cfg.Keys.VoiceToggle)
}
