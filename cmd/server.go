package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"syncpad/database"
	"syncpad/hub"
	"syncpad/scheduler"
	"syncpad/server"
)

func ServerCli() *cli.Command {
	cmd := &cli.Command{
		Name:  "syncpad",
		Usage: "multi-device text and file sync server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Sources: cli.EnvVars("DB_BACKEND"),
				Name:    "db-backend",
				Aliases: []string{"db"},
				Value:   "sqlite",
				Usage:   "database driver to use (sqlite or postgres)",
			},
			&cli.StringFlag{
				Sources: cli.EnvVars("DB_PATH"),
				Name:    "db-path",
				Aliases: []string{"dp"},
				Value:   "data.db",
				Usage:   "sqlite database path, or postgres DSN",
			},
			&cli.StringFlag{
				Sources: cli.EnvVars("STORAGE_PATH"),
				Name:    "storage-path",
				Aliases: []string{"sp"},
				Value:   "data/files",
				Usage:   "root directory for blob storage",
			},
			&cli.BoolFlag{
				Sources: cli.EnvVars("DEBUG"),
				Name:    "debug",
				Aliases: []string{"d"},
				Value:   false,
				Usage:   "enable debug mode (drops and remigrates all tables)",
			},
			&cli.StringFlag{
				Sources: cli.EnvVars("HOST"),
				Name:    "host",
				Aliases: []string{"b"},
				Value:   "127.0.0.1",
				Usage:   "server bind address",
			},
			&cli.BoolFlag{
				Sources: cli.EnvVars("SSL"),
				Name:    "ssl",
				Aliases: []string{"s"},
				Value:   false,
				Usage:   "enable ssl",
			},
			&cli.IntFlag{
				Sources: cli.EnvVars("PORT"),
				Name:    "port",
				Aliases: []string{"p"},
				Value:   5094,
				Usage:   "server port",
			},
			&cli.DurationFlag{
				Sources: cli.EnvVars("FILE_TTL"),
				Name:    "file-ttl",
				Value:   24 * time.Hour,
				Usage:   "lifetime of uploaded files",
			},
			&cli.DurationFlag{
				Sources: cli.EnvVars("GRACE_PERIOD"),
				Name:    "grace-period",
				Value:   7 * 24 * time.Hour,
				Usage:   "retention of soft-deleted records, orphaned blobs and idle texts",
			},
			&cli.DurationFlag{
				Sources: cli.EnvVars("FILE_GC_INTERVAL"),
				Name:    "file-gc-interval",
				Value:   30 * time.Minute,
				Usage:   "how often the file cleanup pass runs",
			},
			&cli.DurationFlag{
				Sources: cli.EnvVars("TEXT_GC_INTERVAL"),
				Name:    "text-gc-interval",
				Value:   24 * time.Hour,
				Usage:   "how often the text cleanup pass runs",
			},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			DB := database.SetupDatabase(c.String("db-backend"), c.String("db-path"), c.Bool("debug"))

			store, err := database.NewFileStore(
				DB,
				c.String("storage-path"),
				c.Duration("file-ttl"),
				c.Duration("grace-period"),
			)
			if err != nil {
				return err
			}

			syncHub := hub.NewHub(DB, store)

			schedulerService := scheduler.NewSchedulerService()
			schedulerService.RegisterTasks(scheduler.CleanupTasks(
				DB,
				store,
				c.Duration("file-gc-interval"),
				c.Duration("text-gc-interval"),
				c.Duration("grace-period"),
			))
			schedulerService.Start()
			defer schedulerService.Stop()

			s, fullHost := server.BackendServer(
				DB,
				store,
				syncHub,
				c.String("host"),
				c.Int("port"),
				c.Bool("debug"),
				c.Bool("ssl"),
			)
			server.ServerStatus = "running"
			fmt.Printf("Starting server on %s\n", fullHost)

			return s.ListenAndServe()
		},
	}

	return cmd
}
