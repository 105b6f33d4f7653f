package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"
	"golang.org/x/sync/errgroup"

	anthropicdir "goa.design/montage/features/director/anthropic"
	pulserelay "goa.design/montage/features/stream/pulse"
	clientspulse "goa.design/montage/features/stream/pulse/clients/pulse"
	cluetel "goa.design/montage/features/telemetry/clue"
	"goa.design/montage/features/tools/exec"
	wstransport "goa.design/montage/features/transport/websocket"
	"goa.design/montage/runtime/action"
	"goa.design/montage/runtime/action/inmem"
	"goa.design/montage/runtime/checkpoint"
	"goa.design/montage/runtime/session"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "montage.yml", "server configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *Config) error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if cfg.HTTP.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cluetel.NewLogger()
	metrics := cluetel.NewMetrics()
	tracer := cluetel.NewTracer()

	// Checkpoint detection from the declarative pipeline table.
	pipelines, err := checkpoint.Load(cfg.Pipelines)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}
	detector, err := pipelines.Detector(cfg.Pipeline,
		checkpoint.WithLogger(logger), checkpoint.WithMetrics(metrics))
	if err != nil {
		return err
	}

	// Approval-gated action templates.
	registry := action.NewRegistry()
	for _, a := range cfg.Actions {
		schema, err := a.SchemaJSON()
		if err != nil {
			return err
		}
		if err := registry.Register(action.Template{
			ID:          a.ID,
			Tool:        a.Tool,
			Title:       a.Title,
			ParamSchema: schema,
		}); err != nil {
			return fmt.Errorf("register action %q: %w", a.ID, err)
		}
	}

	// Local command execution for both approved actions and director tools.
	commands := make(map[string]exec.Command, len(cfg.Tools))
	for _, t := range cfg.Tools {
		commands[t.Name] = exec.Command{Path: t.Path, Args: t.Args, Dir: t.Dir}
	}
	runner := exec.New(commands, exec.Options{Logger: logger})
	manager := action.NewManager(registry, inmem.NewStore(), runner,
		action.WithManagerLogger(logger), action.WithManagerMetrics(metrics))

	// Optional cross-process relay over Redis-backed Pulse streams.
	hubOpts := []session.HubOption{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithTracer(tracer),
	}
	var (
		hub   *session.Hub
		rdb   *redis.Client
		relay *pulserelay.Relay
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, OperationTimeout: 5 * time.Second})
		if err != nil {
			return err
		}
		relay, err = pulserelay.NewRelay(pulserelay.RelayOptions{Client: pc, Logger: logger})
		if err != nil {
			return err
		}
		defer relay.Close(context.Background())
		hubOpts = append(hubOpts, session.WithSessionHook(func(sessionID string) {
			conn, err := relay.Conn(sessionID)
			if err != nil {
				log.Errorf(ctx, err, "relay attach failed for session %s", sessionID)
				return
			}
			if _, err := hub.Subscribe(ctx, sessionID, conn); err != nil {
				log.Errorf(ctx, err, "relay subscribe failed for session %s", sessionID)
			}
		}))
	}
	hub = session.NewHub(detector, manager, registry, hubOpts...)
	defer hub.Close(context.Background())

	// Anthropic director, gated through the hub.
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return errors.New("ANTHROPIC_API_KEY is not set")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	directorTools, err := buildTools(cfg, registry, runner)
	if err != nil {
		return err
	}
	rt, err := anthropicdir.New(&ac.Messages, hub, directorTools, anthropicdir.Options{
		Model:     cfg.Director.Model,
		MaxTokens: cfg.Director.MaxTokens,
		System:    cfg.Director.System,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	hub.SetDirector(rt)

	return serveHTTP(ctx, cfg, hub, rdb)
}

// buildTools advertises every configured command tool plus every gated
// action tool. Gated tools get the template's parameter schema so the agent
// proposes well-formed parameters; the gate still intercepts the call.
func buildTools(cfg *Config, registry *action.Registry, runner *exec.Runner) ([]anthropicdir.Tool, error) {
	var tools []anthropicdir.Tool
	gated := make(map[string]bool)
	for _, a := range cfg.Actions {
		tmpl, ok := registry.Get(a.ID)
		if !ok {
			return nil, fmt.Errorf("action %q not registered", a.ID)
		}
		desc := a.Description
		if desc == "" {
			desc = a.Title
		}
		tools = append(tools, anthropicdir.Tool{
			Name:        tmpl.Tool,
			Description: desc,
			InputSchema: tmpl.ParamSchema,
		})
		gated[tmpl.Tool] = true
	}
	for _, t := range cfg.Tools {
		if gated[t.Name] {
			continue
		}
		name := t.Name
		tools = append(tools, anthropicdir.Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: json.RawMessage(`{"type":"object"}`),
			Handle: func(ctx context.Context, args json.RawMessage) (anthropicdir.Output, error) {
				res, err := runner.Execute(ctx, action.Invocation{Tool: name, Params: args})
				if err != nil {
					return anthropicdir.Output{}, err
				}
				return anthropicdir.Output{Command: res.Command, Text: res.Output}, nil
			},
		})
	}
	return tools, nil
}

func serveHTTP(ctx context.Context, cfg *Config, hub *session.Hub, rdb *redis.Client) error {
	mux := goahttp.NewMuxer()
	if cfg.HTTP.Debug {
		debug.MountPprofHandlers(debug.Adapt(mux))
		debug.MountDebugLogEnabler(debug.Adapt(mux))
	}

	wsHandler := wstransport.NewHandler(hub)
	mux.Handle("GET", "/sessions/{id}/ws", wsHandler.ServeHTTP)

	var pingers []health.Pinger
	if rdb != nil {
		pingers = append(pingers, redisPinger{client: rdb})
	}
	checker := health.NewChecker(pingers...)
	mux.Handle("GET", "/healthz", health.Handler(checker))
	mux.Handle("GET", "/livez", health.Handler(health.NewChecker()))

	var handler http.Handler = mux
	if cfg.HTTP.Debug {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", cfg.HTTP.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// redisPinger reports relay backend health on /healthz.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
