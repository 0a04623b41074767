package main

import (
	"fmt"
	"os"

	"KnowForge/internal/config"
	"KnowForge/pkg/zlog"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "knowforge",
		Usage: "Knowledge-base ingestion and vector index training service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to toml config file",
				EnvVars: []string{"KNOWFORGE_CONFIG"},
				Value:   "configs/config_local.toml",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override logging level (debug, info, warn, error)",
			},
		},
		Before: setup,
		After: func(*cli.Context) error {
			_ = zlog.Sync()
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, the training dispatcher and the maintenance scheduler",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "worker",
						Usage: "Run the training dispatcher in this process",
						Value: true,
					},
					&cli.BoolFlag{
						Name:  "http",
						Usage: "Serve the HTTP API in this process",
						Value: true,
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Request a vector index rebuild and optionally run it to completion",
				Action: reindexCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Rebuild scope (collection, owner, all)",
						Value: "collection",
					},
					&cli.StringFlag{
						Name:  "owner",
						Usage: "Owner id for collection or owner scope",
					},
					&cli.Int64Flag{
						Name:  "collection",
						Usage: "Collection id for collection scope",
					},
					&cli.BoolFlag{
						Name:  "wait",
						Usage: "Run pending rebuild tasks in this process before exiting",
					},
				},
			},
			{
				Name:   "status",
				Usage:  "Print training progress of a collection",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "collection",
						Usage:    "Collection id",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "errors",
						Usage: "Number of recent failures to include",
						Value: 20,
					},
				},
			},
			{
				Name:   "repair",
				Usage:  "Delete vector entries whose unit no longer exists",
				Action: repairCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "collection",
						Usage:    "Collection id",
						Required: true,
					},
				},
			},
			{
				Name:   "retry-failed",
				Usage:  "Requeue failed jobs of a collection",
				Action: retryFailedCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:     "collection",
						Usage:    "Collection id",
						Required: true,
					},
				},
			},
			{
				Name:   "token",
				Usage:  "Issue a bearer token for local testing",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Usage:    "User uuid",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "team",
						Usage: "Team id; the token owns data of this team",
					},
				},
			},
		},
	}
}

// setup 加载配置并初始化日志
func setup(c *cli.Context) error {
	path := c.String("config")
	var conf *config.Config
	if _, statErr := os.Stat(path); statErr != nil && !c.IsSet("config") {
		// 未显式指定且默认文件不存在时使用默认配置
		conf = config.Default()
	} else {
		var err error
		if conf, err = config.Load(path); err != nil {
			return err
		}
	}
	config.SetConfig(conf)

	lc := conf.LogConfig
	level := lc.Level
	if l := c.String("log-level"); l != "" {
		level = l
	}
	zlog.Init(zlog.Options{
		LogPath:    lc.LogPath,
		Level:      level,
		MaxSizeMB:  lc.MaxSizeMB,
		MaxBackups: lc.MaxBackups,
		MaxAgeDays: lc.MaxAgeDays,
		Console:    lc.Console,
	})
	return nil
}
