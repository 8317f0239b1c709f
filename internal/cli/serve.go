package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/harvest-orders/internal/config"
	"github.com/spf13/cobra"
)

func NewServeCommand(root *RootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and Kafka service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(root)

			cfg, err := config.Load(root.EnvFiles...)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.HTTPPort = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.close()
			app.start(ctx)

			srv := &http.Server{
				Addr:         ":" + cfg.HTTPPort,
				Handler:      app.handler,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.WithField("port", cfg.HTTPPort).Info("Starting order lifecycle service")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Server forced to shutdown")
			}

			logger.Info("Server gracefully stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides HTTP_PORT)")
	return cmd
}
