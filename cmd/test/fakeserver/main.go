package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// fakeserver stands in for the ledger web server during manual and
// integration runs of the shell.
type flagOptions struct {
	Host         string        `long:"host" default:"127.0.0.1" description:"host to listen on"`
	Port         int           `long:"port" default:"5000" description:"port to listen on"`
	Endpoint     string        `long:"endpoint" default:"/my-ledger/" description:"page served with --status"`
	Status       int           `long:"status" default:"200" description:"HTTP status returned for the endpoint"`
	StartupDelay time.Duration `long:"startup-delay" description:"delay before listening and printing the startup line"`
	ExitAfter    time.Duration `long:"exit-after" description:"exit on its own after this long"`
	ExitCode     int           `long:"exit-code" description:"exit code used with --exit-after"`
	NoMarker     bool          `long:"no-marker" description:"never print the startup line"`

	Args struct {
		Ledger string `positional-arg-name:"ledger" description:"ledger file"`
	} `positional-args:"yes"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting fakeserver, ledger: %q, opts: %+v...\n", opts.Args.Ledger, opts)

	if opts.Args.Ledger != "" {
		if _, err := os.Stat(opts.Args.Ledger); err != nil {
			fmt.Fprintf(os.Stderr, "Ledger could not be loaded: %v\n", err)
			os.Exit(2)
		}
	}

	ctx := context.Background()
	if opts.ExitAfter > 0 {
		fmt.Printf("Using EXIT AFTER of %v, exit code %d\n", opts.ExitAfter, opts.ExitCode)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ExitAfter)
		defer cancel()
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	if opts.StartupDelay > 0 {
		time.Sleep(opts.StartupDelay)
	}

	address := net.JoinHostPort(opts.Host, fmt.Sprint(opts.Port))
	lis, err := net.Listen("tcp", address)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to listen on %s: %v\n", address, err)
		os.Exit(3)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Endpoint, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(opts.Status)
		fmt.Fprintf(w, "<html><body>fakeserver %s</body></html>\n", opts.Args.Ledger)
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Serve failed: %v\n", err)
		}
	}()

	if !opts.NoMarker {
		fmt.Printf(" * Running on http://%s%s\n", address, opts.Endpoint)
	}

	exitCode := 0
	select {
	case receivedSignal := <-sig:
		fmt.Printf("Fakeserver received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Fakeserver exit timer elapsed\n")
		exitCode = opts.ExitCode
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	fmt.Printf("Fakeserver stopped\n")
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
