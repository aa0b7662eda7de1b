package main

import (
	"context"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/control"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var service string
	var details bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the supervised server is serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			logger := opts.logger()

			conn, err := grpc.DialContext(ctx, opts.grpcAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()

			serving, err := control.NewGRPCClientGateway(conn, logger).Status(ctx, service)
			if err != nil {
				return err
			}
			printServing(service, serving)

			if !details {
				return nil
			}
			status, err := control.NewHTTPClientGateway("http://"+opts.httpAddress, nil, logger).Status(ctx)
			if err != nil {
				return err
			}
			printStatusTable(status)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", control.ServerServiceName, "health service name")
	cmd.Flags().BoolVar(&details, "details", false, "also fetch the full status over HTTP")
	return cmd
}
