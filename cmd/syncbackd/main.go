// syncbackd is the syncback processor entrypoint (C9): one process owns a
// static set of shards (assigned to it by zone in config, filtered by
// shard_id % total_processes == process_number) and applies pending
// ActionLog mutations on their namespaces to the remote provider.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/closeio/syncengine/internal/config"
	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/logging"
	"github.com/closeio/syncengine/internal/store/sqlstore"
	"github.com/closeio/syncengine/internal/syncback"
)

func main() {
	app := &cli.App{
		Name:  "syncbackd",
		Usage: "run the sync engine's syncback processor for this process",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}},
			&cli.StringFlag{Name: "zone", EnvVars: []string{"SYNCENGINE_ZONE"}},
			&cli.StringFlag{Name: "syncback-id", Usage: "key into config's syncback shard assignments for this zone", Required: true},
			&cli.IntFlag{Name: "total-processes", Usage: "number of syncbackd processes sharing this syncback-id's shards", Required: true},
			&cli.IntFlag{Name: "process-number", Usage: "this process's ordinal within total-processes", Required: true},
			&cli.IntFlag{Name: "total-shards", Usage: "total number of shards namespace_id is hashed into", Required: true},
			&cli.StringFlag{Name: "credentials-file", Usage: "JSON file mapping account public_id to IMAP connection parameters", Required: true},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := config.FromEnv()
	if v := c.String("database-url"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := c.String("zone"); v != "" {
		cfg.Zone = v
	}
	processID := fmt.Sprintf("%s:%d", cfg.Hostname, c.Int("process-number"))
	log := logging.WithComponent("syncbackd").With().Str("process_id", processID).Logger()

	st, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("syncbackd: open store: %w", err)
	}
	defer st.Close()

	pool := imapsession.NewPool(imapsession.DefaultPoolConfig(), loadCredentialProvider(c.String("credentials-file")))
	executor := &imapExecutor{Store: st, Pool: pool}

	svc := syncback.NewService(st, executor, cfg, c.String("syncback-id"),
		c.Int("total-processes"), c.Int("process-number"), c.Int("total-shards"), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc.Start(ctx)
	log.Info().Ints("owned_shards", svc.OwnedShardIDs).Msg("syncbackd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("syncbackd shutting down")
	svc.Stop()
	return nil
}
