package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"github.com/veilcompute/ephemeral-session-backend/common"
	"github.com/veilcompute/ephemeral-session-backend/httpserver"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address for the observer API",
}

var BroadcastFlag = &cli.StringSliceFlag{
	Name:  "broadcast",
	Usage: "broadcast backend URIs (file://, http://, s3://, ipfs://); may be repeated",
}

var MembersFlag = &cli.IntFlag{
	Name:  "members",
	Value: 5,
	Usage: "quorum member count for the session",
}

var ThresholdFlag = &cli.Float64Flag{
	Name:  "threshold",
	Value: 0.67,
	Usage: "initial convergence threshold as a fraction of member weight",
}

var DecayFloorFlag = &cli.Float64Flag{
	Name:  "decay-floor",
	Value: 0.51,
	Usage: "minimum threshold convergence decay may reach",
}

var ShareThresholdFlag = &cli.IntFlag{
	Name:  "share-threshold",
	Value: 3,
	Usage: "shares required to reconstruct session key material",
}

var ShareTotalFlag = &cli.IntFlag{
	Name:  "share-total",
	Value: 5,
	Usage: "total shares session key material is split into",
}

var CanaryIntervalFlag = &cli.DurationFlag{
	Name:  "canary-interval",
	Value: 5 * time.Second,
	Usage: "interval between canary probes",
}

var SnapshotIntervalFlag = &cli.DurationFlag{
	Name:  "snapshot-interval",
	Value: 30 * time.Second,
	Usage: "interval between execution checkpoints",
}

var AbortOnCensorshipFlag = &cli.BoolFlag{
	Name:  "abort-on-censorship",
	Value: false,
	Usage: "terminate the session when canary gaps are detected",
}

var VaultAddrFlag = &cli.StringFlag{
	Name:  "vault-addr",
	Usage: "Vault address to fetch escrowed key shares from",
}

var VaultMountFlag = &cli.StringFlag{
	Name:  "vault-mount",
	Value: "secret",
	Usage: "Vault KVv2 mount holding key shares",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
