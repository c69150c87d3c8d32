package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/assetledger/internal/api"
	"example.com/backstage/services/assetledger/internal/integrity"
	"example.com/backstage/services/assetledger/internal/telemetry"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// identity comes only from gateway headers; without a trusted gateway
	// any caller could claim any tenant
	if !cfg.TrustedHeaders {
		return errors.New("server.trusted_identity_headers is false: the API requires an authenticating gateway in front of it")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := openLedger(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	nrApp, err := telemetry.NewApplication(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Continuing without New Relic")
	}

	server := api.NewServer(cfg, api.Dependencies{
		Store:    l.store,
		Auditor:  integrity.NewAuditor(l.db, l.keys, l.cache, cfg.AuditBatchSize),
		Keys:     l.keys,
		NewRelic: nrApp,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if nrApp != nil {
		nrApp.Shutdown(5 * time.Second)
	}
	log.Info().Msg("Server exited properly")
	return nil
}
