package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/gridmind/backend/internal/agent"
	"github.com/gridmind/backend/internal/audit"
	"github.com/gridmind/backend/internal/bus"
	"github.com/gridmind/backend/internal/config"
	"github.com/gridmind/backend/internal/coordinator"
	"github.com/gridmind/backend/internal/dispatch"
	"github.com/gridmind/backend/internal/domain"
	"github.com/gridmind/backend/internal/endpoint"
	"github.com/gridmind/backend/internal/guardian"
	"github.com/gridmind/backend/internal/llm"
	"github.com/gridmind/backend/internal/memory"
	"github.com/gridmind/backend/internal/monitor"
	"github.com/gridmind/backend/internal/registry"
	"github.com/gridmind/backend/internal/scenario"
	"github.com/gridmind/backend/internal/sim"
)

// App is the assembled control plane.
type App struct {
	Config     *config.Config
	Events     *bus.Bus
	Audit      *audit.Log
	Memory     *memory.Store
	Store      *registry.Store
	Dispatcher *dispatch.Dispatcher
	Grid       *sim.Simulation
	Engines    []*coordinator.ZoneEngine
	Guardian   *guardian.Guardian
	Agent      *agent.Agent
	Monitor    *monitor.Loop
	Scenarios  *scenario.Runner
	Server     *Server

	metrics *prometheus.Registry
	bridge  *bus.Bridge
	demo    *DemoStream
}

// Boot wires the control plane from configuration. In demo mode only the
// stream publisher and the passive REST surface come up; otherwise the full
// supervision stack is assembled.
func Boot(cfg *config.Config) (*App, error) {
	app := &App{
		Config:  cfg,
		Events:  bus.New(bus.DefaultQueueSize),
		metrics: prometheus.NewRegistry(),
	}

	var err error
	if app.Audit, err = audit.Open(cfg.Storage.AuditDBPath); err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	if app.Memory, err = memory.Open(cfg.Storage.MemoryDBPath); err != nil {
		app.Close()
		return nil, fmt.Errorf("open context memory: %w", err)
	}
	app.Store = registry.NewStore(cfg.Storage.RegistryFile)
	app.Dispatcher = dispatch.New(app.Store)

	if cfg.DemoMode {
		if app.demo, err = NewDemoStream(app.Events, 2*time.Second); err != nil {
			app.Close()
			return nil, err
		}
		app.Grid = app.demo.Grid()
		app.Scenarios = scenario.NewRunner(app.Grid, app.Events, app.Audit)
	} else if err := app.bootReal(cfg); err != nil {
		app.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.bridge = bus.NewBridge(rdb, app.Events, "",
			bus.ChannelGridState, bus.ChannelAgentLog, bus.ChannelGuardianEvent)
	}

	RegisterCollectors(app.metrics, app.Store, app.Events, app.Guardian)

	app.Server = &Server{
		Store:      app.Store,
		Dispatcher: app.Dispatcher,
		Grid:       app.Grid,
		Engines:    app.Engines,
		Guardian:   app.Guardian,
		Agent:      app.Agent,
		Audit:      app.Audit,
		Scenarios:  app.Scenarios,
		Events:     app.Events,
		Metrics:    app.metrics,
		CORSOrigin: cfg.CORSOrigin,
	}
	return app, nil
}

// bootReal assembles the full supervision stack: simulation, endpoint
// fleet, zone engines, guardian, strategic agent and monitoring loop.
func (app *App) bootReal(cfg *config.Config) error {
	ad, err := domain.Build("power_grid")
	if err != nil {
		return err
	}
	pg := ad.(*domain.PowerGrid)
	app.Grid = pg.Grid()

	for _, ep := range ad.CreateSensors() {
		app.Dispatcher.Attach(ep)
	}
	for _, ep := range ad.CreateActuators() {
		app.Dispatcher.Attach(ep)
	}
	app.Engines = ad.CreateCoordinators(app.Events, app.Audit)
	for _, eng := range app.Engines {
		app.Dispatcher.Attach(endpoint.NewCoordinator(eng))
	}
	app.Scenarios = scenario.NewRunner(app.Grid, app.Events, app.Audit)

	if cfg.LLM.APIKey != "" {
		guardClient, err := llm.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.GuardianModel)
		if err != nil {
			return fmt.Errorf("guardian model: %w", err)
		}
		app.Guardian = guardian.New(llm.NewBreaker(guardClient, llm.BreakerConfig{}), app.Events, app.Audit)

		agentClient, err := llm.NewAnthropic(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.StrategicModel)
		if err != nil {
			return fmt.Errorf("strategic model: %w", err)
		}
		app.Agent = agent.New(llm.NewBreaker(agentClient, llm.BreakerConfig{}), app.Dispatcher, app.Store,
			app.Guardian, app.Memory, app.Events, app.Audit)
	} else {
		apiLog.Print("no API key configured; guardian and strategic agent disabled")
	}

	var handler monitor.EscalationHandler
	if app.Agent != nil {
		strategic := app.Agent
		handler = func(ctx context.Context, escalations []coordinator.Result) error {
			_, err := strategic.HandleEscalation(ctx, escalations)
			return err
		}
	}
	engines := make([]monitor.Engine, len(app.Engines))
	for i, eng := range app.Engines {
		engines[i] = eng
	}
	app.Monitor = monitor.New(
		app.Grid, engines, app.Events,
		sim.NewLoadVarier(time.Now().UnixNano(), 0.02),
		monitor.NewMetrics(app.metrics),
		monitor.Config{
			Interval:                time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
			EscalationMinViolations: cfg.Monitor.EscalationMinViolations,
			StateFile:               cfg.Storage.GridStateFile,
		},
		handler,
	)
	return nil
}

// Run serves HTTP and drives the background loops until ctx is cancelled,
// then shuts the listener down gracefully.
func (app *App) Run(ctx context.Context) error {
	router := app.Server.Router()
	app.Server.RunHubs(ctx)
	app.Store.StartSweeper(ctx)
	switch {
	case app.demo != nil:
		go app.demo.Run(ctx)
	case app.Monitor != nil:
		go app.Monitor.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", app.Config.Registry.Host, app.Config.Registry.Port)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			apiLog.Printf("shutdown: %v", err)
		}
	}()

	apiLog.Printf("listening on %s (demo=%v)", addr, app.Config.DemoMode)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases storage and messaging resources.
func (app *App) Close() {
	if app.bridge != nil {
		app.bridge.Close()
	}
	if app.Memory != nil {
		app.Memory.Close()
	}
	if app.Audit != nil {
		app.Audit.Close()
	}
	if app.Events != nil {
		app.Events.Close()
	}
}
