package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/core-tools/hsu-appshell/pkg/domain"
	"github.com/core-tools/hsu-appshell/pkg/readiness"
)

func printServing(service, serving string) {
	fmt.Printf("%s: %s\n", service, serving)
}

func printStatusTable(status domain.ServerStatus) {
	rows := [][2]string{
		{"STATE", status.State},
		{"READY", fmt.Sprint(status.Ready)},
		{"URL", status.URL},
		{"RUN", status.RunID},
		{"PID", pidString(status.PID)},
		{"STARTED", timeString(status.StartedAt)},
		{"READY AT", timeString(status.ReadyAt)},
		{"RESTARTS", fmt.Sprint(status.Restarts)},
	}
	if status.LastExit != nil {
		rows = append(rows, [2]string{"LAST EXIT", status.LastExit.String()})
	}

	keyW, valW := 0, 0
	for _, row := range rows {
		if len(row[0]) > keyW {
			keyW = len(row[0])
		}
		if len(row[1]) > valW {
			valW = len(row[1])
		}
	}

	sep := fmt.Sprintf("+-%s-+-%s-+\n", strings.Repeat("-", keyW), strings.Repeat("-", valW))
	fmt.Print(sep)
	for _, row := range rows {
		fmt.Printf("| %s | %s |\n", pad(row[0], keyW), pad(row[1], valW))
	}
	fmt.Print(sep)
}

func printReport(target readiness.Target, report readiness.Report) {
	if report.Ready {
		fmt.Printf("%s ready after %d attempt(s), %v\n", target, report.Attempts, report.Elapsed.Round(time.Millisecond))
		return
	}
	fmt.Printf("%s not ready after %d attempt(s), %v: %v\n", target, report.Attempts, report.Elapsed.Round(time.Millisecond), report.LastErr)
}

func pidString(pid int) string {
	if pid == 0 {
		return "-"
	}
	return fmt.Sprint(pid)
}

func timeString(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func pad(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}
