package main

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/control"

	"github.com/spf13/cobra"
)

func newRestartCmd(opts *globalOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the server, wait for it to exit and start it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			gateway := control.NewHTTPClientGateway("http://"+opts.httpAddress, nil, opts.logger())
			if err := gateway.Restart(ctx); err != nil {
				return err
			}

			status, err := gateway.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Println("Restarted")
			printStatusTable(status)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	return cmd
}
