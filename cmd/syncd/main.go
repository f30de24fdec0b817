// syncd is the scheduler + account monitor process entrypoint: one process
// owns a slice of accounts (claimed cooperatively with its siblings over
// the shared event queue, §4.8) and runs a foldersync.Engine per folder
// for each.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/config"
	"github.com/closeio/syncengine/internal/heartbeat"
	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/logging"
	"github.com/closeio/syncengine/internal/scheduler"
	"github.com/closeio/syncengine/internal/store/sqlstore"
)

func main() {
	app := &cli.App{
		Name:  "syncd",
		Usage: "run the sync engine's scheduler and account monitors for this process",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-url", EnvVars: []string{"DATABASE_URL"}},
			&cli.StringFlag{Name: "redis-url", EnvVars: []string{"REDIS_URL"}},
			&cli.StringFlag{Name: "blob-dir", EnvVars: []string{"BLOB_STORE_DIR"}},
			&cli.StringFlag{Name: "zone", EnvVars: []string{"SYNCENGINE_ZONE"}},
			&cli.IntFlag{Name: "process-number", Usage: "this process's ordinal within the zone, used to form its identity", Required: true},
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
	if v := c.String("redis-url"); v != "" {
		cfg.RedisURL = v
	}
	if v := c.String("blob-dir"); v != "" {
		cfg.BlobStoreDir = v
	}
	if v := c.String("zone"); v != "" {
		cfg.Zone = v
	}
	processID := fmt.Sprintf("%s:%d", cfg.Hostname, c.Int("process-number"))
	log := logging.WithComponent("syncd").With().Str("process_id", processID).Logger()

	st, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("syncd: open store: %w", err)
	}
	defer st.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("syncd: parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	blob, err := blobstore.NewFileStore(cfg.BlobStoreDir, cfg.CompressRawMIME, true)
	if err != nil {
		return fmt.Errorf("syncd: open blob store: %w", err)
	}

	hb := heartbeat.NewPublisher(heartbeat.NewRedisKV(redisClient, "syncengine"))

	pool := imapsession.NewPool(imapsession.DefaultPoolConfig(), loadCredentialProvider(c.String("credentials-file")))

	svc := scheduler.NewService(st, pool, blob, hb, redisClient, cfg, cfg.Zone, processID, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("syncd: start scheduler: %w", err)
	}
	log.Info().Msg("syncd started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info().Msg("syncd shutting down")
	svc.Stop()
	return nil
}
