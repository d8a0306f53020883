package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	sgx "github.com/kwonalbert/sgx_sp"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "serve the Attestation gRPC service; each attested session reads one message from the enclave",
	Flags: []cli.Flag{
		ConfigFlag,
		ListenAddrFlag,
		EnclaveAddrFlag,
		ConnectTimeoutFlag,
	},
	Action: func(cCtx *cli.Context) error {
		logger := setupLogger(cCtx)

		config, err := loadConfiguration(cCtx)
		if err != nil {
			logger.Error("Could not load configuration", "err", err)
			return err
		}
		attestor, err := sgx.NewAttestor(config, nil, logger)
		if err != nil {
			logger.Error("Could not create attestor", "err", err)
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sm := sgx.NewSessionManager(attestor, sgx.WithAttestedHandler(func(result *sgx.AttestationResult) {
			go exchange(ctx, config, logger, result)
		}))

		var opts []grpc.ServerOption
		if config.TLSCert != "" && config.TLSKey != "" {
			creds, err := credentials.NewServerTLSFromFile(config.TLSCert, config.TLSKey)
			if err != nil {
				logger.Error("Could not parse the TLS certificates", "err", err)
				return err
			}
			opts = append(opts, grpc.Creds(creds))
		} else {
			logger.Warn("No TLSCert/TLSKey configured, serving without TLS")
		}
		srv := grpc.NewServer(opts...)
		sgx.RegisterAttestationServer(srv, sgx.NewAttestationServer(sm, logger))

		addr := config.ListenAddr
		if addr == "" {
			addr = sgx.DefaultListenAddr
		}
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			logger.Error("Could not listen", "addr", addr, "err", err)
			return err
		}

		errc := make(chan error, 1)
		go func() {
			logger.Info("Serving attestation", "addr", lis.Addr().String())
			errc <- srv.Serve(lis)
		}()

		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			srv.GracefulStop()
			return nil
		case err := <-errc:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				logger.Error("Serve failed", "err", err)
				return err
			}
			return nil
		}
	},
}

// exchange reads the enclave's message for one attested session.
func exchange(ctx context.Context, config *sgx.Configuration, logger *slog.Logger, result *sgx.AttestationResult) {
	log := logger.With("session", result.SessionID)
	driver, err := sgx.NewDriver(config, nil, log)
	if err != nil {
		result.MasterKey.Destroy()
		log.Error("Could not create driver", "err", err)
		return
	}
	if _, err := driver.Exchange(ctx, result.MasterKey); err != nil {
		log.Warn("Exchange with enclave failed", "err", err)
	}
}
