// ABOUTME: Gateway orchestrator wiring store, bus, pipeline, and adapters together
// ABOUTME: Manages component lifecycle and the operational HTTP server

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/adapter"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/bus"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/canonical"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/config"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/dedupe"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/identity"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/ingest"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/pipeline"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/store"
	"github.com/Qiratsumra/CRM-Digital-FTE-Factory-Final-Hackathon-5-backend/internal/worker"
)

// Gateway wires the ticket router's components together and runs the
// operational HTTP server.
type Gateway struct {
	config     *config.Config
	store      store.Store
	bus        bus.Bus
	admitter   *dedupe.Admitter
	resolver   *identity.Resolver
	ingest     *ingest.Service
	processor  *worker.Processor
	dispatcher *adapter.Dispatcher
	registry   *adapter.Registry
	knowledge  *pipeline.FileKnowledge
	httpServer *http.Server
	logger     *slog.Logger

	cancel context.CancelFunc
}

// New builds a gateway from configuration. Nothing starts running until
// Start is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	b, err := initBus(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	kb, err := pipeline.LoadKnowledge(cfg.Pipeline.KnowledgePath)
	if err != nil {
		s.Close()
		b.Close()
		return nil, err
	}

	pl := pipeline.New(
		pipeline.NewLexiconAnalyzer(),
		kb,
		pipeline.NewEscalationPolicy(pipeline.PolicyConfig{
			EscalateBelow:   cfg.Pipeline.EscalateBelow,
			HostileBelow:    cfg.Pipeline.HostileBelow,
			ComplexityLimit: cfg.Pipeline.ComplexityLimit,
			HardKeywords:    cfg.Pipeline.HardKeywords,
			HumanKeywords:   cfg.Pipeline.HumanKeywords,
		}),
		pipeline.NewTemplateGenerator(),
		pipeline.NewFormatter(pipeline.FormatterConfig{WhatsAppLimit: cfg.Pipeline.WhatsAppLimit}),
		pipeline.Config{MaxRetries: cfg.Worker.MaxRetries, Backoff: cfg.Worker.Backoff},
		logger,
	)

	admitter := dedupe.NewAdmitter(s, cfg.Dedup.Retention, logger)
	resolver := identity.New(s, logger)

	g := &Gateway{
		config:    cfg,
		store:     s,
		bus:       b,
		admitter:  admitter,
		resolver:  resolver,
		ingest:    ingest.New(s, resolver, admitter, b, cfg.Conversation.Window, logger),
		processor: worker.New(s, pl, b, cfg.Worker.ClaimTTL, logger),
		registry:  adapter.NewRegistry(),
		knowledge: kb,
		logger:    logger.With("component", "gateway"),
	}
	g.dispatcher = adapter.NewDispatcher(g.registry, s, b, adapter.DispatcherConfig{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff:     cfg.Delivery.Backoff,
	}, logger)

	return g, nil
}

// Registry exposes the adapter registry so real channel adapters can be
// registered before Start. Channels left without an outbound adapter get a
// loopback at startup so local runs still complete the delivery path.
func (g *Gateway) Registry() *adapter.Registry { return g.registry }

// Store exposes the store for administrative commands.
func (g *Gateway) Store() store.Store { return g.store }

// Ingest exposes the ingestion service; inbound adapters use it as their sink.
func (g *Gateway) Ingest() *ingest.Service { return g.ingest }

// Start launches the workers, dispatcher, inbound adapters, and HTTP server.
// It returns once everything is running; Stop shuts it down.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	for _, ch := range []string{canonical.ChannelEmail, canonical.ChannelWebForm, canonical.ChannelWhatsApp} {
		if _, ok := g.registry.Outbound(ch); !ok {
			if err := g.registry.RegisterOutbound(adapter.NewLoopback(ch)); err != nil {
				return err
			}
			g.logger.Warn("no outbound adapter configured, using loopback", "channel", ch)
		}
	}

	if err := g.processor.Start(); err != nil {
		return fmt.Errorf("starting processor: %w", err)
	}
	if err := g.dispatcher.Start(); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}

	go g.admitter.Run(ctx, g.config.Dedup.PurgeInterval)
	// The sweep catches tickets whose bus deliveries were exhausted, so
	// nothing stays pending without operator action.
	go g.processor.RunSweeps(ctx, g.config.Worker.SweepInterval)

	for _, in := range g.registry.InboundAdapters() {
		in := in
		go func() {
			if err := in.Run(ctx, g.ingest); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.Error("inbound adapter stopped", "channel", in.Channel(), "error", err)
			}
		}()
	}

	g.httpServer = &http.Server{
		Addr:              g.config.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		g.logger.Info("http server listening", "addr", g.config.Server.HTTPAddr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the gateway down in dependency order: HTTP first so no new work
// arrives, then the bus, then storage.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.httpServer != nil {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if err := g.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("bus close: %w", err))
	}
	g.admitter.Close()
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(context.Background(), cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		logger.Info("using postgres store")
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		logger.Info("using sqlite store", "path", cfg.Store.Path)
		return s, nil
	}
}

func initBus(cfg *config.Config, logger *slog.Logger) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "kafka":
		logger.Info("using kafka bus", "brokers", cfg.Bus.Brokers, "prefix", cfg.Bus.TopicPrefix)
		return bus.NewKafkaBus(cfg.Bus.Brokers, cfg.Bus.TopicPrefix, cfg.Bus.GroupID, logger), nil
	default:
		return bus.NewMemoryBus(logger), nil
	}
}
