// Package cmd provides the voiceterm CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"voiceterm/internal/config"
	"voiceterm/internal/logging"
	"voiceterm/internal/voice"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile string
	cfg     *config.Config
)

const shutdownTimeout = 5 * time.Second

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "voiceterm",
	Short: "Voice-driven terminal sessions",
	Long: `voiceterm drives terminal sessions by voice.

Spoken commands like "new terminal", "run go test" or "search for error" are
matched against a phrase grammar and dispatched to the active session. The
sessions themselves live on a terminal host reached over WebSocket; run
'voiceterm host' to start one locally.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/voiceterm/config.yaml)")
}

// newLogger builds the logger described by cfg.Log. fallback is used when
// no log file is configured.
func newLogger(fallback string) (zerolog.Logger, io.Closer, error) {
	path := cfg.Log.File
	if path == "" {
		path = fallback
	}
	w, err := logging.OpenFile(path)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, w)
	if err != nil {
		w.Close()
		return zerolog.Nop(), nil, err
	}
	return logger, w, nil
}

// openVoiceSource opens a file or FIFO that an external recogniser writes
// transcripts to. O_RDWR keeps a FIFO open without a writer.
func openVoiceSource(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open voice input: %w", err)
	}
	return f, nil
}

func lineEngine(r io.Reader) voice.Engine {
	return voice.NewLineEngine(r, cfg.Voice.Continuous)
}

// serve starts e on addr in the background. Errors other than a normal
// shutdown are logged.
func serve(e *echo.Echo, addr string, logger zerolog.Logger) {
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("http server stopped")
		}
	}()
}

func shutdown(e *echo.Echo) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = e.Shutdown(ctx)
}
