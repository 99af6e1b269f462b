// Command relaymesh is a CLI front end for the multi-relay data access
// layer: fetch profiles, posts, and relay documents, search, publish,
// and tail live feeds. A debug listener exposes Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaymesh/internal/client"
	"relaymesh/internal/config"
	"relaymesh/internal/live"
	"relaymesh/internal/signer"
	"relaymesh/internal/types"
)

func main() {
	// A missing .env is fine; deployments set real environment variables.
	godotenv.Load()
	initLogging()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Get()
	if err := run(cfg, os.Args[1], os.Args[2:]); err != nil {
		slog.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func initLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: relaymesh <command> [args]

commands:
  profile <pubkey>         fetch a user profile
  posts <pubkey>           fetch a user's recent notes
  relays <pubkey>          show a user's relay list
  info <relay-url>...      fetch relay capability documents
  search <query>           search profiles
  publish <content>        sign and publish a note (needs RELAYMESH_SECRET_KEY)
  tail <pubkey>...         stream a live feed until interrupted
  endpoints                dump relay health metrics

environment:
  RELAYMESH_CONFIG         config file path (default config/relaymesh.json)
  RELAYMESH_STORE_PATH     store directory (default data/relaymesh)
  RELAYMESH_METRICS_ADDR   expose /metrics and /healthz on this address
  RELAYMESH_SECRET_KEY     hex secret key for publishing
  REDIS_URL                use Redis instead of the embedded store
  LOG_LEVEL                debug, info, warn, error
`)
}

func run(cfg *config.Config, command string, args []string) error {
	backend, err := client.OpenBackend(cfg)
	if err != nil {
		return err
	}

	var sig *signer.Signer
	if key := os.Getenv("RELAYMESH_SECRET_KEY"); key != "" {
		sig, err = signer.New(key)
		if err != nil {
			return fmt.Errorf("RELAYMESH_SECRET_KEY: %w", err)
		}
	}

	c := client.New(cfg, backend, sig)
	defer c.Close()

	if addr := os.Getenv("RELAYMESH_METRICS_ADDR"); addr != "" {
		go serveDebug(addr)
	}
	go watchSighup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "profile":
		return cmdProfile(ctx, c, args)
	case "posts":
		return cmdPosts(ctx, c, args)
	case "relays":
		return cmdRelays(ctx, c, args)
	case "info":
		return cmdInfo(ctx, c, args)
	case "search":
		return cmdSearch(ctx, c, args)
	case "publish":
		return cmdPublish(ctx, c, args)
	case "tail":
		return cmdTail(ctx, c, args)
	case "endpoints":
		return cmdEndpoints(c)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// serveDebug exposes Prometheus metrics and a liveness endpoint.
func serveDebug(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	slog.Info("debug listener started", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("debug listener failed", "error", err)
	}
}

// watchSighup reloads the configuration file on SIGHUP.
func watchSighup() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	for range ch {
		if err := config.Reload(); err != nil {
			slog.Error("config reload failed", "error", err)
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdProfile(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relaymesh profile <pubkey>")
	}
	profile, err := c.FetchProfile(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(profile)
}

func cmdPosts(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relaymesh posts <pubkey>")
	}
	events, err := c.FetchPosts(ctx, args[0], 20)
	if err != nil {
		return err
	}
	return printJSON(events)
}

func cmdRelays(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: relaymesh relays <pubkey>")
	}
	return printJSON(c.RelayList(ctx, args[0]))
}

func cmdInfo(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: relaymesh info <relay-url>...")
	}
	if len(args) == 1 {
		info, err := c.RelayInfo(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(info)
	}
	return printJSON(c.RelayInfoBatch(ctx, args))
}

func cmdSearch(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: relaymesh search <query>")
	}
	profiles, err := c.SearchProfiles(ctx, strings.Join(args, " "), 20)
	if err != nil {
		return err
	}
	return printJSON(profiles)
}

func cmdPublish(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: relaymesh publish <content>")
	}
	evt := &types.Event{
		Kind:      types.KindNote,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{},
		Content:   strings.Join(args, " "),
	}
	results, err := c.Publish(ctx, evt)
	for _, r := range results {
		status := "accepted"
		if r.Err != nil {
			status = "error: " + r.Err.Error()
		} else if !r.Accepted {
			status = "rejected: " + r.Reason
		}
		fmt.Printf("%s\t%s\n", r.Relay, status)
	}
	if err != nil {
		return err
	}
	fmt.Printf("event %s published\n", evt.ID)
	return nil
}

func cmdTail(ctx context.Context, c *client.Client, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: relaymesh tail <pubkey>...")
	}

	filter := types.Filter{
		Authors: args,
		Kinds:   []int{types.KindNote},
		Limit:   20,
	}
	done := make(chan struct{})
	sub := c.Subscribe(filter, live.Handlers{
		OnEvent: func(evt types.Event, liveEvent bool) {
			marker := "stored"
			if liveEvent {
				marker = "live"
			}
			fmt.Printf("[%s] %s %s: %s\n",
				marker,
				time.Unix(evt.CreatedAt, 0).Format(time.RFC3339),
				shorten(evt.PubKey),
				evt.Content)
		},
		OnReady: func(connected bool) {
			slog.Info("feed ready", "connected", connected)
		},
		OnClose: func(err error) {
			close(done)
		},
	})

	select {
	case <-ctx.Done():
		sub.Close()
		<-done
	case <-done:
	}
	return nil
}

func cmdEndpoints(c *client.Client) error {
	return printJSON(c.Endpoints())
}

func shorten(pubkey string) string {
	if len(pubkey) <= 16 {
		return pubkey
	}
	return pubkey[:8] + "…" + pubkey[len(pubkey)-8:]
}
