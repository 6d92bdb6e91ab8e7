package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/api"
	"github.com/sells-group/listing-pipeline/internal/ingest"
	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/ratelimit"
)

const mediaPrefix = "/media"

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and stage workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if env.Queue != nil {
			env.Queue.Start(ctx, env.Orch.RunStage)
		}
		go env.Orch.RunSweeps(ctx)
		if cfg.Monitoring.Enabled {
			go newChecker(env).Run(ctx)
		}

		d := api.Deps{
			Store:       env.Store,
			Machine:     env.Machine,
			Ingest:      ingest.New(env.Store, env.Media, env.Orch),
			Limits:      ingest.LimitsFromConfig(cfg.Ingest),
			Aggregator:  env.Aggregator,
			Publisher:   env.Publisher,
			Broker:      env.Broker,
			Limiter:     ratelimit.FromConfig(cfg.RateLimit),
			CORSOrigins: cfg.Server.CORSOrigins,
		}
		if local, ok := env.Media.(*media.Local); ok {
			d.Media = local.Handler()
			d.MediaPrefix = mediaPrefix
		}

		shutdown := time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second
		return startServer(ctx, api.NewRouter(d), resolvePort(servePort, cfg.Server.Port), shutdown)
	},
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flag, configured int) int {
	if flag != 0 {
		return flag
	}
	return configured
}

// startServer serves h on port until ctx is done, then shuts down,
// waiting up to timeout for in-flight requests.
func startServer(ctx context.Context, h http.Handler, port int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		zap.L().Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server listen")
	}
	<-done
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
