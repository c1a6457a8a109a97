package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelgate/modelgate/internal/application/dispatch"
	"github.com/modelgate/modelgate/internal/application/pipeline"
	"github.com/modelgate/modelgate/internal/application/proxy"
	"github.com/modelgate/modelgate/internal/domain/command"
	"github.com/modelgate/modelgate/internal/domain/entity"
	"github.com/modelgate/modelgate/internal/domain/session"
	"github.com/modelgate/modelgate/internal/infrastructure/capture"
	"github.com/modelgate/modelgate/internal/infrastructure/config"
	"github.com/modelgate/modelgate/internal/infrastructure/connector"
	"github.com/modelgate/modelgate/internal/infrastructure/credential"
	"github.com/modelgate/modelgate/internal/infrastructure/httpclient"
	"github.com/modelgate/modelgate/internal/infrastructure/logger"
	"github.com/modelgate/modelgate/internal/infrastructure/metrics"
	"github.com/modelgate/modelgate/internal/infrastructure/ratelimit"
	"github.com/modelgate/modelgate/pkg/safego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	_ "github.com/modelgate/modelgate/internal/infrastructure/connector/anthropic"
	_ "github.com/modelgate/modelgate/internal/infrastructure/connector/gemini"
	_ "github.com/modelgate/modelgate/internal/infrastructure/connector/openai"

	httpiface "github.com/modelgate/modelgate/internal/interfaces/http"
)

const (
	appName    = "modelgate"
	appVersion = "0.1.0"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   appName,
		Short: "Intercepting proxy for LLM APIs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return err
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return err
	}
	defer log.Sync()

	log.Info("Starting gateway",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	client := httpclient.New(httpclient.Options{
		ConnectTimeout:        time.Duration(cfg.Timeouts.ConnectSeconds) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Timeouts.RequestSeconds) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, managers, err := buildBackends(ctx, cfg, client, log)
	if err != nil {
		log.Error("Backend initialization failed", zap.Error(err))
		return err
	}
	defer func() {
		for _, m := range managers {
			m.Close()
		}
	}()

	// Startup guardrail: a gateway with no usable upstream serves nothing.
	if registry.FunctionalCount() == 0 {
		var reasons []string
		for _, name := range registry.Names() {
			b, _ := registry.Get(name)
			h := b.Health()
			reasons = append(reasons, fmt.Sprintf("%s: %s", name, strings.Join(h.Errors, "; ")))
		}
		err := fmt.Errorf("no functional backends: %s", strings.Join(reasons, " | "))
		log.Error("Startup aborted", zap.Error(err))
		return err
	}

	defaults, err := sessionDefaults(cfg)
	if err != nil {
		log.Error("Invalid session defaults", zap.Error(err))
		return err
	}

	store := session.NewStore(
		time.Duration(cfg.Session.TTLSeconds)*time.Second,
		defaults,
		log,
	)
	if cfg.Session.SnapshotPath != "" {
		if err := store.LoadSnapshot(cfg.Session.SnapshotPath); err != nil {
			log.Warn("Could not load session snapshot", zap.Error(err))
		}
	}
	safego.Go(log, "session-eviction", store.StartEviction)
	defer store.Stop()

	cmdRegistry := command.NewRegistry()
	command.RegisterBuiltins(cmdRegistry)
	engine := command.NewEngine(store, cmdRegistry, log)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	limiter := ratelimit.New(
		cfg.RateLimit.Limit,
		time.Duration(cfg.RateLimit.WindowSeconds)*time.Second,
		cfg.RateLimit.Scope,
	)

	planner := dispatch.NewPlanner(registry, cfg.DefaultBackend)
	dispatcher := dispatch.NewDispatcher(planner, limiter, m, log)

	chain, err := buildPipeline(cfg, log, m)
	if err != nil {
		log.Error("Pipeline initialization failed", zap.Error(err))
		return err
	}

	var capWriter *capture.Writer
	if cfg.Capture.Enabled {
		capWriter, err = capture.New(cfg.Capture.Path, log)
		if err != nil {
			log.Error("Could not open capture log", zap.Error(err))
			return err
		}
		defer capWriter.Close()
	}

	svc := proxy.NewService(engine, store, dispatcher, chain, registry, capWriter, log)

	server := httpiface.NewServer(cfg, svc, registry, m, promRegistry, log)
	server.Start()

	log.Info("Gateway ready",
		zap.Int("backends", len(registry.Names())),
		zap.Int("functional", registry.FunctionalCount()),
	)

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	if cfg.Session.SnapshotPath != "" {
		if err := store.SaveSnapshot(cfg.Session.SnapshotPath); err != nil {
			log.Warn("Could not save session snapshot", zap.Error(err))
		}
	}

	log.Info("Gateway stopped")
	return nil
}

// buildBackends constructs one connector per configured backend, wiring
// static keys and the optional file-backed credential manager.
func buildBackends(
	ctx context.Context,
	cfg *config.Config,
	client *http.Client,
	log *zap.Logger,
) (*connector.Registry, []*credential.Manager, error) {
	registry := connector.NewRegistry()
	var managers []*credential.Manager

	for name, bc := range cfg.Backends {
		conn, err := connector.New(connector.Config{
			Name:         name,
			Type:         bc.Type,
			APIURL:       bc.APIURL,
			Models:       bc.Models,
			ProjectID:    bc.ProjectID,
			ExtraHeaders: bc.ExtraHeaders,
		}, client, log)
		if err != nil {
			return nil, managers, fmt.Errorf("backend %s: %w", name, err)
		}

		keys := make([]connector.Key, 0, len(bc.APIKeys))
		for i, kc := range bc.APIKeys {
			keyName := kc.Name
			if keyName == "" {
				keyName = fmt.Sprintf("key-%d", i)
			}
			keys = append(keys, connector.Key{Name: keyName, Secret: kc.Secret})
		}

		var mgr *credential.Manager
		credsPath := bc.OAuthCredsPath
		if credsPath == "" {
			credsPath = bc.CredsPath
		}
		if credsPath != "" {
			mgr = credential.NewManager(name, credsPath, credential.RefreshConfig{
				TokenURL:     bc.OAuthTokenURL,
				ClientID:     bc.OAuthClientID,
				ClientSecret: bc.OAuthClientSecret,
			}, client, log)
			if err := mgr.Init(ctx); err != nil {
				log.Warn("Credential manager init failed",
					zap.String("backend", name), zap.Error(err))
			}
			managers = append(managers, mgr)
		}

		registry.Add(&connector.Backend{
			Name:  name,
			Conn:  conn,
			Keys:  keys,
			Creds: mgr,
		})
	}
	return registry, managers, nil
}

// sessionDefaults converts boot-time configuration into the default state
// every new session starts from, including configured failover routes.
func sessionDefaults(cfg *config.Config) (func() session.State, error) {
	routes := make(map[string]entity.FailoverRoute, len(cfg.FailoverRoutes))
	for name, rc := range cfg.FailoverRoutes {
		route := entity.FailoverRoute{
			Name:   name,
			Policy: entity.RoutePolicy(rc.Policy),
		}
		for _, ref := range rc.Elements {
			el, err := entity.ParseModelRef(ref)
			if err != nil {
				return nil, fmt.Errorf("failover route %s: %w", name, err)
			}
			route.Elements = append(route.Elements, el)
		}
		routes[name] = route
	}

	loop := session.LoopDetectionConfig{
		Enabled:        cfg.LoopDetection.Enabled,
		MinPatternLen:  cfg.LoopDetection.MinPatternLength,
		MaxPatternLen:  cfg.LoopDetection.MaxPatternLength,
		MinRepetitions: cfg.LoopDetection.MinRepetitions,
	}
	tool := session.ToolLoopConfig{
		Enabled:             cfg.ToolCallLoop.Enabled,
		MaxRepeats:          cfg.ToolCallLoop.MaxRepeats,
		TTLSeconds:          cfg.ToolCallLoop.TTLSeconds,
		Mode:                cfg.ToolCallLoop.Mode,
		SimilarityThreshold: cfg.ToolCallLoop.SimilarityThreshold,
	}

	base := proxy.SessionDefaults(cfg.CommandPrefix, loop, tool)
	return func() session.State {
		st := base()
		if len(routes) > 0 {
			for _, r := range routes {
				st = st.WithRoute(r)
			}
		}
		return st
	}, nil
}

// buildPipeline assembles the response middleware chain in processing order.
func buildPipeline(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*pipeline.Chain, error) {
	middlewares := []pipeline.Middleware{
		pipeline.NewContentLoopDetector(log, m),
		pipeline.NewToolLoopMiddleware(pipeline.NewToolLoopGuard(), log, m),
	}
	if cfg.JSONRepair.Enabled {
		repair, err := pipeline.NewJSONRepairMiddleware(cfg.JSONRepair, log, m)
		if err != nil {
			return nil, fmt.Errorf("json repair: %w", err)
		}
		middlewares = append(middlewares, repair)
	}
	middlewares = append(middlewares, pipeline.NewUsageAccounting(log, m))
	return pipeline.NewChain(middlewares...), nil
}
