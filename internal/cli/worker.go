package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the embedding worker",
		Long: "Run the background embedding pool and periodically enqueue memories that\n" +
			"lack an embedding (worker.backfill_cron). Stops on SIGINT or SIGTERM.",
		Run: runWorker,
	}

	RootCmd.AddCommand(cmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := mustApp(cmd)
	defer a.Close()
	if a.embedder == nil {
		exitErr("worker", errors.New("no embedding provider configured"))
	}

	pool := a.startPool(ctx)
	defer pool.Close()

	log := a.log.Component("worker")
	batch := a.cfg.Worker.BackfillBatch
	backfill := func() {
		if _, err := a.svc.Backfill(ctx, batch); err != nil {
			log.Error().Err(err).Msg("backfill failed")
		}
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(a.cfg.Worker.BackfillCron, backfill); err != nil {
		exitErr("worker", err)
	}

	backfill()
	c.Start()
	log.Info().Str("schedule", a.cfg.Worker.BackfillCron).Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	// wait for a running backfill before the pool drains
	<-c.Stop().Done()
}
