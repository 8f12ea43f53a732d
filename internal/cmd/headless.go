package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"voiceterm/internal/api"
	"voiceterm/internal/app"
	"voiceterm/internal/events"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var headlessVoiceInput string

func init() {
	rootCmd.AddCommand(headlessCmd)
	headlessCmd.Flags().StringVar(&headlessVoiceInput, "voice-input", "", "file or FIFO to read transcripts from (default is stdin)")
}

var headlessCmd = &cobra.Command{
	Use:   "headless",
	Short: "Run without a UI, reading transcripts line by line",
	Long: `Run without a UI.

Each input line is treated as a final transcript and routed like speech.
Application events are logged. The command exits when the input ends, when
listening is switched off by voice, or on SIGINT/SIGTERM, and then prints the
command metrics as JSON.`,
	RunE: runHeadless,
}

func runHeadless(cmd *cobra.Command, args []string) error {
	logger, closer, err := newLogger("")
	if err != nil {
		return err
	}
	defer closer.Close()

	var src io.Reader = cmd.InOrStdin()
	if headlessVoiceInput != "" {
		f, err := openVoiceSource(headlessVoiceInput)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	a, err := app.New(cfg, app.Options{Engine: lineEngine(src), Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(context.Background())

	if cfg.API.Addr != "" {
		e := api.NewServer(a, logger)
		serve(e, cfg.API.Addr, logger)
		defer shutdown(e)
	}

	subID, ch := a.Bus().Subscribe(256)
	defer a.Bus().Unsubscribe(subID)

	if err := a.StartVoice(); err != nil {
		return err
	}
	logEvents(ctx, ch, logger)

	data, err := a.Tracker().Export()
	if err != nil {
		return fmt.Errorf("export metrics: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// logEvents logs bus events until the voice pass ends or ctx is done.
func logEvents(ctx context.Context, ch <-chan events.Event, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			ev := logger.Info()
			switch e.Level {
			case events.LevelWarning:
				ev = logger.Warn()
			case events.LevelError:
				ev = logger.Error()
			}
			ev.Str("event", string(e.Name)).
				Str("action", e.Action).
				Str("session", e.SessionID).
				Str("param", e.Parameter).
				Msg("event")
			if e.Name == events.VoiceStatus && e.Action == app.VoiceIdle {
				return
			}
		}
	}
}
