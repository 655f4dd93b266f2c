package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dmcatalog/dmcat/internal/app"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var httpAddr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.HTTP.Addr = httpAddr
			}
			if grpcAddr != "" {
				cfg.GRPC.Addr = grpcAddr
			}

			a, err := app.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", Version).Str("commit", Commit).Msg("starting dmcat")
			if err := a.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			log.Info().Msg("received shutdown signal")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := a.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("shutdown error")
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	return cmd
}
