package cmd

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cascached/cascached/pkg/config"
	"github.com/cascached/cascached/pkg/dlogger"
	"github.com/cascached/cascached/pkg/metrics"
	"github.com/cascached/cascached/pkg/service"
	"github.com/cascached/cascached/pkg/web"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the configured caches over HTTP",
	Long: `Serve starts every configured cache, exposes the HTTP API and runs
until interrupted. On SIGINT or SIGTERM in-flight operations are
drained up to the configured grace period before the caches close.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if flags.listen != "" {
			cfg.Listen = flags.listen
		}
		if flags.logLevel != "" {
			cfg.LogLevel = flags.logLevel
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&flags.listen, "listen", "", "HTTP listen address override")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := dlogger.GetLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	metrics.Init()

	specs, err := cfg.Specs()
	if err != nil {
		return err
	}
	srv := service.New(specs,
		service.Logger(logger),
		service.ShutdownGrace(time.Duration(cfg.ShutdownGrace)),
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Startup(ctx); err != nil {
		return err
	}

	api := &http.Server{
		Addr:    cfg.Listen,
		Handler: web.New(srv, web.Logger(logger)).Router(),
	}
	listenErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("address", cfg.Listen))
		listenErr <- api.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		_ = srv.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("grace", time.Duration(cfg.ShutdownGrace)))
	httpCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownGrace))
	defer cancel()
	if err := api.Shutdown(httpCtx); err != nil {
		logger.Warn("failed to drain the HTTP listener", zap.Error(err))
	}
	return srv.Shutdown(context.Background())
}
