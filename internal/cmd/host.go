package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"voiceterm/internal/host"
	"voiceterm/internal/logging"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(hostCmd)
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Run a terminal host",
	Long: `Run a terminal host.

The host owns shell sessions and runs commands in them. Clients connect over
WebSocket at /ws on host.listen; the same sessions are exposed over REST at
/sessions. Commands run through host.shell in host.workdir.`,
	RunE: runHost,
}

func runHost(cmd *cobra.Command, args []string) error {
	logger, closer, err := newLogger("")
	if err != nil {
		return err
	}
	defer closer.Close()

	mgr := host.NewManager(host.Config{
		Shell:       cfg.Host.Shell,
		WorkDir:     cfg.Host.WorkDir,
		MaxSessions: cfg.Host.MaxSessions,
		HistorySize: cfg.Session.MaxLines,
	}, logger)
	srv := host.NewServer(mgr, logger)

	e := logging.NewEcho(logger)
	srv.RegisterRoutes(e)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serve(e, cfg.Host.Listen, logger)
	<-ctx.Done()

	logger.Info().Msg("shutting down")
	shutdown(e)
	srv.Shutdown()
	return nil
}
