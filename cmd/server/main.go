package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"patientsync/internal/analytics"
	"patientsync/internal/billing"
	"patientsync/internal/platform/config"
	"patientsync/internal/platform/httpserver"
	"patientsync/internal/platform/kafka/consumer"
	"patientsync/internal/platform/logger"
	"patientsync/internal/platform/metrics"
	"patientsync/internal/platform/postgres"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "patientsync",
		Short:         "Patient registry with billing provisioning and event streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(analyticsCmd())
	rootCmd.AddCommand(billingStubCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the process logger.
func bootstrap() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)
	return cfg, log, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newRegistry returns a registry carrying the Go runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func serveCmd() *cobra.Command {
	var memory bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the patient HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runServer(ctx, cfg, log, memory)
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep patients and outbox entries in memory instead of Postgres")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			db, err := postgres.Open(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()
			return postgres.Migrate(ctx, db, log)
		},
	}
}

func analyticsCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Consume patient events and log them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			reg := newRegistry()
			handler := analytics.NewHandler(log, analytics.NewMetrics(reg))
			c, err := consumer.New(cfg.Kafka, handler, log)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return c.Run(gctx)
			})
			if metricsAddr != "" {
				r := chi.NewRouter()
				r.Handle("/metrics", metrics.Handler(reg))
				srv := httpserver.New(metricsAddr, r)
				g.Go(func() error {
					return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
				})
			}
			log.Info("analytics consumer started",
				"topic", cfg.Kafka.Topic,
				"group", cfg.Kafka.ConsumerGroup,
			)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

func billingStubCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "billing-stub",
		Short: "Run an in-memory billing provisioner for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			lis, err := net.Listen("tcp", net.JoinHostPort("", cfg.Billing.Port))
			if err != nil {
				return fmt.Errorf("listen billing stub: %w", err)
			}
			srv := grpc.NewServer()
			billing.RegisterServer(srv, billing.NewStubServer(log))

			errCh := make(chan error, 1)
			go func() {
				log.Info("billing stub listening", "addr", lis.Addr().String())
				errCh <- srv.Serve(lis)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			stopped := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(cfg.Server.ShutdownTimeout):
				srv.Stop()
			}
			return nil
		},
	}
}

func healthHandler(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
