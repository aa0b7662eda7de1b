package main

import (
	"fmt"

	"github.com/core-tools/hsu-appshell/pkg/readiness"

	"github.com/spf13/cobra"
)

func newProbeCmd(opts *globalOptions) *cobra.Command {
	target := readiness.Target{}
	var probeType string

	cmd := &cobra.Command{
		Use:   "probe <url-or-address>",
		Short: "Run one readiness session against a URL or address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target.Type = readiness.ProbeType(probeType)
			if target.Type == readiness.ProbeTypeHTTP {
				target.URL = args[0]
			} else {
				target.Address = args[0]
			}
			if err := readiness.ValidateTarget(target); err != nil {
				return err
			}

			report := readiness.NewProber(opts.logger()).Probe(cmd.Context(), target)
			printReport(target, report)
			if !report.Ready {
				return fmt.Errorf("%s not ready", target)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&probeType, "type", string(readiness.ProbeTypeHTTP), "probe type: http, tcp or grpc")
	cmd.Flags().StringVar(&target.GRPCService, "grpc-service", "", "service name for grpc probes")
	cmd.Flags().IntVar(&target.MaxRetries, "max-retries", readiness.DefaultMaxRetries, "maximum attempts")
	cmd.Flags().DurationVar(&target.Interval, "interval", readiness.DefaultInterval, "delay between attempts")
	cmd.Flags().DurationVar(&target.Timeout, "timeout", readiness.DefaultTimeout, "per-attempt timeout")
	cmd.Flags().IntSliceVar(&target.AcceptStatus, "accept-status", readiness.DefaultAcceptStatus, "accepted HTTP status codes")
	return cmd
}
