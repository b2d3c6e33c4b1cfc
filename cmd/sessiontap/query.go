package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/sessiontap/pkg/browser/gateway"
	"github.com/odvcencio/sessiontap/pkg/bus"
	"github.com/odvcencio/sessiontap/pkg/config"
)

// newQueryBusFn allows tests to answer queries over an in-memory bus.
var newQueryBusFn = func(cfg config.NATSConfig) (bus.MessageBus, error) {
	return bus.NewNATSBus(natsBusConfig(cfg))
}

type queryOutput struct {
	SessionID string            `json:"session_id"`
	Domain    string            `json:"domain,omitempty"`
	Cookies   map[string]string `json:"cookies"`
}

func runQueryCommand(args []string, configPath string, stdout io.Writer) error {
	appCfg, err := loadConfigFn(configPath)
	if err != nil {
		return withExitCode(err, exitUsage)
	}

	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id to query (required)")
	domain := fs.String("domain", "", "cookie domain; empty queries the session's current URL")
	timeout := fs.Duration("timeout", appCfg.Query.Timeout, "gateway query bound")
	natsURL := fs.String("nats-url", appCfg.Bus.NATS.URL, "NATS server URL of the running engine")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id := strings.TrimSpace(*sessionID)
	if id == "" {
		return withExitCode(fmt.Errorf("-session is required"), exitUsage)
	}

	natsCfg := appCfg.Bus.NATS
	natsCfg.URL = strings.TrimSpace(*natsURL)
	messageBus, err := newQueryBusFn(natsCfg)
	if err != nil {
		return withExitCode(err, exitUnavailable)
	}
	defer messageBus.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return queryCookies(ctx, gateway.NewRemoteGateway(messageBus, *timeout), id, strings.TrimSpace(*domain), stdout)
}

func queryCookies(ctx context.Context, source gateway.CookieSource, sessionID, domain string, stdout io.Writer) error {
	var (
		cookies map[string]string
		err     error
	)
	start := time.Now()
	if domain != "" {
		cookies, err = source.CookiesForDomain(ctx, sessionID, domain)
	} else {
		cookies, err = source.CookiesForCurrentURL(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("query %s after %s: %w", sessionID, time.Since(start).Round(time.Millisecond), err)
	}
	if cookies == nil {
		cookies = map[string]string{}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(queryOutput{SessionID: sessionID, Domain: domain, Cookies: cookies})
}
