package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobeaver/metafs"
	"github.com/gobeaver/metafs/internal/config"
	logging "github.com/gobeaver/metafs/internal/logger"
	"github.com/gobeaver/metafs/server"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	_ "github.com/gobeaver/metafs/driver/azure"
	_ "github.com/gobeaver/metafs/driver/badger"
	_ "github.com/gobeaver/metafs/driver/gcs"
	_ "github.com/gobeaver/metafs/driver/local"
	_ "github.com/gobeaver/metafs/driver/memory"
	_ "github.com/gobeaver/metafs/driver/mongodb"
	_ "github.com/gobeaver/metafs/driver/postgres"
	_ "github.com/gobeaver/metafs/driver/s3"
	_ "github.com/gobeaver/metafs/driver/sftp"
	_ "github.com/gobeaver/metafs/driver/zip"
)

var version = "dev"

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "",
		Usage:   "path to a YAML, JSON or TOML configuration file",
		EnvVars: []string{"METAFS_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "",
		Usage: "address to listen on for API, overrides server.listen_addr",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "",
		Usage: "add 'service' tag to logs, overrides logging.service",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: -1,
		Usage: "seconds to wait in drain before shutdown, overrides server.drain_duration",
	},
}

func main() {
	app := &cli.App{
		Name:    "metafs",
		Usage:   "Serve several storage backends behind one namespaced contents API",
		Version: version,
		Flags:   flags,
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return err
	}
	if addr := cCtx.String("listen-addr"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if service := cCtx.String("log-service"); service != "" {
		cfg.Logging.Service = service
	}
	if secs := cCtx.Int64("drain-seconds"); secs >= 0 {
		cfg.Server.DrainDuration = time.Duration(secs) * time.Second
	}

	logger := logging.Setup(&logging.Options{
		Level:   cfg.Logging.Level,
		Debug:   cCtx.Bool("log-debug"),
		JSON:    cfg.Logging.JSON || cCtx.Bool("log-json"),
		Service: cfg.Logging.Service,
		Version: version,
	})
	if cCtx.Bool("log-uid") {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}

	svc, err := metafs.New(cCtx.Context, &cfg.Config, metafs.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to create metafs service", "err", err)
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("Closing resources failed", "err", err)
		}
	}()

	for _, r := range svc.Resources() {
		logger.Info("Server resource", "name", r.Name, "drive", r.Drive, "url", r.URL, "init", r.Init, "missingTokens", r.MissingTokens)
	}

	srv, err := server.New(&server.HTTPServerConfig{
		ListenAddr:               cfg.Server.ListenAddr,
		Log:                      logger,
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.ShutdownTimeout,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		MaxBodyBytes:             cfg.Server.MaxBodyBytes,
	}, svc)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	srv.Drain()
	srv.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}
