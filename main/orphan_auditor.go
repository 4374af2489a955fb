package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mongodb-labs/orphan-auditor/internal/auditor"
	"github.com/mongodb-labs/orphan-auditor/internal/logger"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/urfave/cli"
	"github.com/urfave/cli/altsrc"
)

const (
	configFileFlag          = "configFile"
	hostFlag                = "host"
	portFlag                = "port"
	usernameFlag            = "username"
	passwordFlag            = "password"
	detailedFlag            = "detailed"
	verboseFlag             = "verbose"
	logPathFlag             = "logPath"
	numWorkersFlag          = "numWorkers"
	quiescenceWaitFlag      = "quiescenceWait"
	auditDBNameFlag         = "auditDBName"
	auditCollNameFlag       = "auditCollName"
	spoolDirFlag            = "spoolDir"
	shardConnectTimeoutFlag = "shardConnectTimeout"
	serverPortFlag          = "serverPort"
)

const (
	exitCodeFailure = 1
	exitCodeBusy    = 3
)

// Closing the cluster connections should not hold up exit for long.
const closeTimeout = 30 * time.Second

func main() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	flags := []cli.Flag{
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  configFileFlag,
			Usage: "path to an optional YAML config file",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  hostFlag,
			Value: "localhost",
			Usage: "`host` of the cluster’s mongos",
		}),
		altsrc.NewIntFlag(cli.IntFlag{
			Name:  portFlag,
			Value: 27017,
			Usage: "`port` of the cluster’s mongos",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  usernameFlag,
			Usage: "`username` to authenticate with (against the admin database)",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:   passwordFlag,
			Usage:  "`password` to authenticate with",
			EnvVar: "ORPHAN_AUDITOR_PASSWORD",
		}),
		altsrc.NewBoolFlag(cli.BoolFlag{
			Name:  detailedFlag,
			Usage: "record each orphan document rather than a count per chunk",
		}),
		altsrc.NewBoolFlag(cli.BoolFlag{
			Name:  verboseFlag,
			Usage: "turn on debug logging",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  logPathFlag,
			Value: "stderr",
			Usage: "where to log: stderr, stdout, or a directory `path` for rotated log files",
		}),
		altsrc.NewIntFlag(cli.IntFlag{
			Name:  numWorkersFlag,
			Value: auditor.DefaultNumWorkers,
			Usage: "`number` of chunk/shard pairs to scan concurrently",
		}),
		altsrc.NewInt64Flag(cli.Int64Flag{
			Name:  quiescenceWaitFlag,
			Value: int64(auditor.DefaultQuiescenceWait / time.Second),
			Usage: "`seconds` to wait for in-flight migrations before rechecking",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  auditDBNameFlag,
			Value: auditor.DefaultAuditDBName,
			Usage: "`name` of the database that receives audit records",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  auditCollNameFlag,
			Value: auditor.DefaultAuditCollName,
			Usage: "`name` of the collection that receives audit records",
		}),
		altsrc.NewStringFlag(cli.StringFlag{
			Name:  spoolDirFlag,
			Usage: "`directory` in which to keep audit records that could not be written",
		}),
		altsrc.NewInt64Flag(cli.Int64Flag{
			Name:  shardConnectTimeoutFlag,
			Value: int64(auditor.DefaultShardConnectTimeout / time.Second),
			Usage: "`seconds` to wait when connecting to a shard",
		}),
		altsrc.NewIntFlag(cli.IntFlag{
			Name:  serverPortFlag,
			Value: 0,
			Usage: "`port` for the progress & abort web server (0 disables it)",
		}),
	}

	app := &cli.App{
		Name:  "orphan-auditor",
		Usage: "count documents that shards hold outside their chunks",
		Flags: flags,
		Before: func(cCtx *cli.Context) error {
			confFile := cCtx.String(configFileFlag)

			if len(confFile) > 0 {
				readConfFunc := altsrc.InitInputSourceWithContext(flags, altsrc.NewYamlSourceFromFlagFunc(configFileFlag))
				return readConfFunc(cCtx)
			}

			return nil
		},
		Action: func(cCtx *cli.Context) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runAudit(ctx, cCtx)
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			log.Warn().Err(err).Msg("Exiting.")
			os.Exit(exitErr.ExitCode())
		}

		log.Error().Err(err).Stack().Msg("Fatal Error")
		os.Exit(exitCodeFailure)
	}
}

func runAudit(ctx context.Context, cCtx *cli.Context) error {
	l, err := newLogger(cCtx)
	if err != nil {
		return err
	}

	// Errors that escape runAudit go to the global logger.
	log.Logger = *l.Logger

	cluster, err := auditor.Connect(ctx, clusterSettings(cCtx), l)
	if err != nil {
		return err
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()

		if err := cluster.Close(closeCtx); err != nil {
			l.Warn().Err(err).Msg("Failed to close cluster connections.")
		}
	}()

	a := cluster.NewAuditor(auditorSettings(cCtx))

	if port := cCtx.Int(serverPortFlag); port != 0 {
		serverCtx, cancelServer := context.WithCancel(ctx)
		defer cancelServer()

		server := auditor.NewWebServer(port, a, logger.NewSubLogger(l, "component", "webserver"))
		go func() {
			if err := server.Run(serverCtx); err != nil {
				l.Error().Err(err).Msg("Web server stopped.")
			}
		}()
	}

	result, err := a.Run(ctx)
	if err != nil {
		return err
	}

	if result.Status == auditor.StatusBusy {
		return cli.NewExitError("cluster is still migrating chunks; no orphan count is available", exitCodeBusy)
	}

	if result.RecordFailures > 0 {
		remaining, err := cluster.ReplaySpool(ctx, result.ScanID)
		if err != nil {
			l.Warn().Err(err).Msg("Failed to replay spooled audit records.")
		} else if remaining > 0 {
			l.Warn().
				Int("remaining", remaining).
				Str("scanID", result.ScanID).
				Msg("Some audit records remain spooled.")
		}
	}

	return result.WriteReport(os.Stdout)
}

func newLogger(cCtx *cli.Context) (*logger.Logger, error) {
	writer, err := logger.GetLogWriter(cCtx.String(logPathFlag))
	if err != nil {
		return nil, errors.Wrapf(err, "opening log path %#q", cCtx.String(logPathFlag))
	}

	level := logger.DefaultLogLevel
	if cCtx.Bool(verboseFlag) {
		level = zerolog.DebugLevel
	}

	return logger.NewConsoleLogger(writer, level), nil
}

func clusterSettings(cCtx *cli.Context) auditor.ClusterSettings {
	return auditor.ClusterSettings{
		Host:                cCtx.String(hostFlag),
		Port:                cCtx.Int(portFlag),
		Username:            cCtx.String(usernameFlag),
		Password:            cCtx.String(passwordFlag),
		ShardConnectTimeout: time.Duration(cCtx.Int64(shardConnectTimeoutFlag)) * time.Second,
		AuditDBName:         cCtx.String(auditDBNameFlag),
		AuditCollName:       cCtx.String(auditCollNameFlag),
		SpoolDir:            cCtx.String(spoolDirFlag),
	}
}

func auditorSettings(cCtx *cli.Context) auditor.AuditorSettings {
	settings := auditor.DefaultSettings()

	if cCtx.Bool(detailedFlag) {
		settings.Mode = auditor.ScanModeDetailed
	}

	settings.NumWorkers = cCtx.Int(numWorkersFlag)
	settings.QuiescenceWait = time.Duration(cCtx.Int64(quiescenceWaitFlag)) * time.Second

	return settings
}
