package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	sgx "github.com/kwonalbert/sgx_sp"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "sp",
		Usage: "SGX service provider: attest enclaves and talk to them over a secure channel",
		Flags: CommonFlags,
		Commands: []*cli.Command{
			bootstrapCommand,
			serveCommand,
			signCommand,
			verifyCommand,
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var bootstrapCommand = &cli.Command{
	Name:  "bootstrap",
	Usage: "attest one client, then print the first message of its enclave",
	Flags: []cli.Flag{
		ConfigFlag,
		ClientAddrFlag,
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
		driver, err := sgx.NewDriver(config, attestor, logger)
		if err != nil {
			logger.Error("Could not create driver", "err", err)
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		msg, err := driver.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}
