package main

import (
	"fmt"
	"os"

	"github.com/core-tools/hsu-appshell/pkg/applog"
	"github.com/core-tools/hsu-appshell/pkg/logging"

	"github.com/spf13/cobra"
)

const (
	defaultGRPCAddress = "127.0.0.1:5051"
	defaultHTTPAddress = "127.0.0.1:5080"
)

type globalOptions struct {
	grpcAddress string
	httpAddress string
	verbose     bool
}

func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "appshellctl",
		Short:         "Control a running application shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.grpcAddress, "grpc-address", envOr("APPSHELL_GRPC_ADDRESS", defaultGRPCAddress), "control gRPC address")
	root.PersistentFlags().StringVar(&opts.httpAddress, "http-address", envOr("APPSHELL_HTTP_ADDRESS", defaultHTTPAddress), "control HTTP address")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newProbeCmd(opts))
	root.AddCommand(newRestartCmd(opts))

	return root
}

func (o *globalOptions) logger() logging.Logger {
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	console := applog.NewConsole(applog.Config{Level: level, Stdout: os.Stderr})
	return logging.NewLogger(fmt.Sprintf("module: %s , ", "appshellctl"), logging.LogFuncs{
		LogLevelf: console.LogLevelf,
	})
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
