package commands

import (
	"context"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessioncore/internal/app"
	"github.com/opencode-ai/sessioncore/internal/config"
	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/internal/server"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort     int
	serveHostname string
	autosaveEvery time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session HTTP server",
	Long: `Start sessiond as a server that exposes the session API over HTTP,
with live updates as Server-Sent Events on /event.

Live sessions are saved periodically and once more on shutdown.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (defaults to the configured port)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (defaults to the configured hostname)")
	serveCmd.Flags().DurationVar(&autosaveEvery, "autosave", time.Minute, "Interval between session saves, 0 to save only on shutdown")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Component("serve")

	if err := config.GetPaths().EnsurePaths(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, appConfig)
	if err != nil {
		return err
	}

	srvConfig := server.DefaultConfig()
	srvConfig.Addr = listenAddr(appConfig, serveHostname, servePort)
	srvConfig.EnableCORS = config.CORSEnabled(appConfig)

	srv := server.New(srvConfig, appConfig, a.Orchestrator, a.Store, a.Bus)

	if autosaveEvery > 0 {
		go a.Orchestrator.Autosave(ctx, autosaveEvery)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("version", Version).Str("addr", srvConfig.Addr).Msg("starting server")
		errCh <- srv.Start()
	}()

	select {
	case err = <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server stopped")
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("server shutdown")
	}
	if cerr := a.Close(shutdownCtx); cerr != nil {
		log.Error().Err(cerr).Msg("saving sessions on shutdown")
		if err == nil {
			err = cerr
		}
	}
	log.Info().Msg("server stopped")
	return err
}

// listenAddr applies the --hostname and --port flags over the configured
// address.
func listenAddr(cfg *types.Config, hostname string, port int) string {
	addr := config.ServerAddress(cfg, port)
	if hostname == "" {
		return addr
	}
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(hostname, p)
}
