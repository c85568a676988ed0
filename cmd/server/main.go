package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/twinlab/go-connect-server/authflow"
	"github.com/twinlab/go-connect-server/authstate"
	"github.com/twinlab/go-connect-server/connections/sqliterepo"
	"github.com/twinlab/go-connect-server/internal/config"
	"github.com/twinlab/go-connect-server/monitor"
	"github.com/twinlab/go-connect-server/providers"
	"github.com/twinlab/go-connect-server/scheduler"
	"github.com/twinlab/go-connect-server/server"
	"github.com/twinlab/go-connect-server/vault"
)

const stateSweepInterval = time.Minute

func main() {
	for {
		if err := run(); err != nil {
			log.Fatalf("Error running server: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Printf("Server stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	registry, err := providers.NewRegistry(c)
	if err != nil {
		return fmt.Errorf("providers.NewRegistry: %w", err)
	}

	v := vault.New(c)
	defer v.Reset()

	repo, err := sqliterepo.New(c.GetDatabasePath())
	if err != nil {
		return fmt.Errorf("sqliterepo.New: %w", err)
	}
	defer repo.Close()

	states, err := authstate.NewStore(authstate.NewInMemoryRepo(), v, c.GetStateTTL())
	if err != nil {
		return fmt.Errorf("authstate.NewStore: %w", err)
	}

	redirectURI := c.GetBaseURL() + server.RouteCallback
	builder, err := authflow.NewBuilder(registry, states, redirectURI)
	if err != nil {
		return fmt.Errorf("authflow.NewBuilder: %w", err)
	}

	hub := monitor.NewHub()

	exchange, err := authflow.NewExchangeService(registry, states, v, repo, redirectURI, c.GetRefreshCallTimeout(),
		authflow.WithNotifier(hub))
	if err != nil {
		return fmt.Errorf("authflow.NewExchangeService: %w", err)
	}

	webhooks, err := monitor.NewWebhookProcessor(c, repo, hub)
	if err != nil {
		return fmt.Errorf("monitor.NewWebhookProcessor: %w", err)
	}

	poller, err := monitor.NewPoller(c, repo, hub)
	if err != nil {
		return fmt.Errorf("monitor.NewPoller: %w", err)
	}

	refresher, err := scheduler.New(c, registry, repo, v, exchange,
		scheduler.WithNotifier(hub))
	if err != nil {
		return fmt.Errorf("scheduler.New: %w", err)
	}

	srv, err := server.New(c, registry, builder, exchange, repo, hub, webhooks)
	if err != nil {
		return fmt.Errorf("server.New: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = refresher.Run(ctx) }()
	go func() { _ = poller.Run(ctx) }()
	go sweepStates(ctx, states)

	httpServer := &http.Server{Addr: c.GetPort(), Handler: srv}
	go listenAndServe(httpServer)
	waitForStopSignal()
	cancel()
	returnError = shutdown(httpServer)
	return returnError
}

func listenAndServe(server *http.Server) error {
	log.Printf("Server listening on %s\n", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

// sweepStates drops expired authorization state records so abandoned
// flows do not accumulate.
func sweepStates(ctx context.Context, states *authstate.Store) {
	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := states.Sweep(); removed > 0 {
				log.Printf("Swept %d expired authorization states\n", removed)
			}
		}
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
