package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/assetledger/internal/database"
	"example.com/backstage/services/assetledger/internal/eventstore"
	"example.com/backstage/services/assetledger/internal/integrity"
	"example.com/backstage/services/assetledger/internal/outbox"
	"example.com/backstage/services/assetledger/internal/telemetry"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker: outbox delivery and the scheduled chain audit`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	deliverers, closeDeliverers, err := outbox.NewDeliverers(cfg, l.db)
	if err != nil {
		return err
	}
	defer closeDeliverers()

	dispatcher := outbox.NewDispatcher(l.db, deliverers, outbox.OptionsFromConfig(cfg))
	auditor := integrity.NewAuditor(l.db, l.keys, l.cache, cfg.AuditBatchSize)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Strs("topics", cfg.OutboxTopics).Msg("Starting outbox dispatcher")
		return dispatcher.Run(ctx)
	})

	if cfg.OutboxListen && database.IsPostgres(l.db) {
		g.Go(func() error {
			return dispatcher.Listen(ctx, cfg.DBSource, eventstore.NotifyChannel)
		})
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.AuditInterval),
			gocron.NewTask(func() {
				jobCtx, end := telemetry.StartBackground(ctx, nrApp, "integrity-audit")
				defer end()
				summary, err := auditor.VerifyAll(jobCtx)
				if err != nil {
					log.Error().Err(err).Msg("Integrity audit finished with errors")
				}
				if summary.Corrupted > 0 {
					log.Warn().Int("corrupted", summary.Corrupted).Msg("Integrity audit quarantined assets")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}

		log.Info().Dur("interval", cfg.AuditInterval).Msg("Starting integrity audit schedule")
		scheduler.Start()

		<-ctx.Done()
		return scheduler.Shutdown()
	})

	err = g.Wait()
	if nrApp != nil {
		nrApp.Shutdown(5 * time.Second)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Worker exited properly")
	return nil
}
