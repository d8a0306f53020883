package main

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
	sgx "github.com/kwonalbert/sgx_sp"
	"github.com/urfave/cli/v2"
)

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
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "sgx-sp",
	Usage: "add 'service' tag to logs",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ConfigFlag = &cli.StringFlag{
	Name:     "config",
	Usage:    "JSON configuration file",
	Required: true,
}
var ClientAddrFlag = &cli.StringFlag{
	Name:  "client-addr",
	Usage: "address to wait for the attesting client on (overrides ClientAddr)",
}
var EnclaveAddrFlag = &cli.StringFlag{
	Name:  "enclave-addr",
	Usage: "address of the enclave's channel endpoint (overrides EnclaveAddr)",
}
var ConnectTimeoutFlag = &cli.DurationFlag{
	Name:  "connect-timeout",
	Usage: "bound on connecting to the enclave (overrides ConnectTimeout)",
}
var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "gRPC listen address (overrides ListenAddr)",
}

var keyFlag = &cli.StringFlag{
	Name:     "key",
	Usage:    "RSA key file",
	Required: true,
}
var keyFormatFlag = &cli.StringFlag{
	Name:  "key-format",
	Value: "pem",
	Usage: "key file encoding: 'pem' or 'der'",
}
var inFlag = &cli.StringFlag{
	Name:     "in",
	Usage:    "message file, '-' for stdin",
	Required: true,
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool(LogDebugFlag.Name) {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cCtx.Bool(LogJsonFlag.Name) {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler).With("service", cCtx.String(LogServiceFlag.Name))

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// loadConfiguration reads the config file and applies flag overrides.
func loadConfiguration(cCtx *cli.Context) (*sgx.Configuration, error) {
	config, err := sgx.ReadConfiguration(cCtx.String(ConfigFlag.Name))
	if err != nil {
		return nil, err
	}
	if cCtx.IsSet(ClientAddrFlag.Name) {
		config.ClientAddr = cCtx.String(ClientAddrFlag.Name)
	}
	if cCtx.IsSet(EnclaveAddrFlag.Name) {
		config.EnclaveAddr = cCtx.String(EnclaveAddrFlag.Name)
	}
	if cCtx.IsSet(ConnectTimeoutFlag.Name) {
		config.ConnectTimeout = cCtx.Duration(ConnectTimeoutFlag.Name).String()
	}
	if cCtx.IsSet(ListenAddrFlag.Name) {
		config.ListenAddr = cCtx.String(ListenAddrFlag.Name)
	}
	return config, nil
}
