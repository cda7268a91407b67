package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asheshgoplani/agentsession/internal/events"
	"github.com/asheshgoplani/agentsession/internal/fakeagent"
)

// handleMock runs the in-process agent server so the CLI and host UIs can
// be exercised without a real backend.
func handleMock(args []string) {
	fs := flag.NewFlagSet("mock", flag.ExitOnError)
	listen := fs.String("listen", "127.0.0.1:3000", "Listen address")
	seed := fs.String("seed", "", "Pre-create a session with a short example history")
	fs.Usage = func() {
		fmt.Println("Usage: agentsession mock [options]")
		fmt.Println()
		fmt.Println("Serve a fake agent server implementing the session HTTP API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	fake := fakeagent.New()
	if *seed != "" {
		fake.AddSession(*seed, ".",
			events.NewEvent(events.TypeTask, "list the files in this directory"),
			events.NewEvent(events.TypeModelRequest, nil),
			events.NewEvent(events.TypeModelResponse, "Here are the files."),
		)
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           fake.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		fake.CloseStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("%s fake agent server on http://%s\n", accentStyle.Render("mock"), *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
