// Package service wires the bridge together: ingress, the pipeline
// worker pool, both publish planes, the hypervisor and the broker
// session lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hadijannat/aas-uns-bridge/aas"
	"github.com/hadijannat/aas-uns-bridge/broker"
	"github.com/hadijannat/aas-uns-bridge/config"
	"github.com/hadijannat/aas-uns-bridge/errors"
	"github.com/hadijannat/aas-uns-bridge/health"
	"github.com/hadijannat/aas-uns-bridge/hypervisor"
	"github.com/hadijannat/aas-uns-bridge/input/aasfile"
	"github.com/hadijannat/aas-uns-bridge/input/repo"
	"github.com/hadijannat/aas-uns-bridge/mapping"
	"github.com/hadijannat/aas-uns-bridge/metric"
	"github.com/hadijannat/aas-uns-bridge/output/retained"
	"github.com/hadijannat/aas-uns-bridge/output/sparkplugnode"
	"github.com/hadijannat/aas-uns-bridge/pkg/retry"
	"github.com/hadijannat/aas-uns-bridge/pkg/worker"
	"github.com/hadijannat/aas-uns-bridge/state"
)

// Snapshot is one ingress event flowing through the pipeline.
type Snapshot struct {
	Env             *aas.Environment
	OriginURI       string
	SourceTimestamp int64
}

// Bridge is the daemon: it owns every subsystem and their lifecycles.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.Registry
	monitor  *health.Monitor

	store    *state.Store
	resolver *mapping.Resolver
	topics   *mapping.TopicBuilder

	client *broker.Client
	serial *serialPublisher

	retainedPub *retained.Publisher
	node        *sparkplugnode.Node

	validator *hypervisor.Validator
	pointers  *hypervisor.PointerCache
	drift     *hypervisor.DriftDetector
	stream    *hypervisor.StreamDetector
	lifecycle *hypervisor.LifecycleTracker
	fidelity  *hypervisor.FidelityCalculator
	bidi      *hypervisor.Bidirectional

	flattener *aas.Flattener
	pool      *worker.Pool[Snapshot]

	metricsServer *metric.Server
	healthServer  *health.Server
	watcher       *aasfile.Watcher
	repoClient    *repo.Client

	reconnectMu sync.Mutex
	reconnectIn bool
}

// New builds the bridge from configuration. Fatal wiring problems
// (state schema mismatch, bad mapping file) surface here.
func New(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:      cfg,
		logger:   logger,
		registry: metric.NewRegistry(),
		monitor:  health.NewMonitor(),
		flattener: &aas.Flattener{
			PreferredLanguage: cfg.PreferredLanguage,
		},
	}
	metrics := b.registry.CoreMetrics()

	doc, err := mapping.LoadDocument(cfg.Mapping.File)
	if err != nil {
		return nil, errors.WrapFatal(err, "Bridge", "New", "load mapping document")
	}
	b.resolver = mapping.NewResolver(doc)
	b.topics = &mapping.TopicBuilder{RootTopic: cfg.UNS.RootTopic}

	b.store, err = state.Open(cfg.State.Dir,
		state.WithLogger(logger),
		state.WithEvictionObserver(func(table string) {
			metrics.StateEvictionsTotal.WithLabelValues(table).Inc()
		}),
	)
	if err != nil {
		return nil, err
	}

	aliases, err := state.NewAliasDB(b.store, cfg.State.MaxAliases)
	if err != nil {
		return nil, err
	}
	births, err := state.NewBirthCache(b.store, cfg.State.MaxBirths)
	if err != nil {
		return nil, err
	}
	hashes, err := state.NewHashDB(b.store, cfg.State.MaxHashes)
	if err != nil {
		return nil, err
	}
	sessionTable, err := b.store.Table("session", 0)
	if err != nil {
		return nil, err
	}
	ctxTable, err := b.store.Table("ctx", cfg.State.MaxContexts)
	if err != nil {
		return nil, err
	}
	driftTable, err := b.store.Table("drift", cfg.State.MaxFingerprints)
	if err != nil {
		return nil, err
	}
	lifeTable, err := b.store.Table("life", cfg.State.MaxLifecycle)
	if err != nil {
		return nil, err
	}
	fidelityTable, err := b.store.Table("fidelity", cfg.State.MaxFidelity)
	if err != nil {
		return nil, err
	}

	b.client = broker.NewClient(cfg.Broker.URL(), cfg.Broker.ClientID,
		broker.WithCredentials(cfg.Broker.Username, cfg.Broker.Password),
		broker.WithKeepalive(time.Duration(cfg.Broker.KeepaliveSeconds)*time.Second),
		broker.WithTLS(cfg.Broker.CACert, cfg.Broker.ClientCert, cfg.Broker.ClientKey),
		broker.WithLogger(slogBrokerLogger{logger}),
		broker.WithConnectionLostHandler(b.onConnectionLost),
	)
	b.serial = newSerialPublisher(b.client)

	b.validator = hypervisor.NewValidator(cfg.Semantic, metrics, logger)
	b.pointers, err = hypervisor.NewPointerCache(
		cfg.Semantic.ContextDictionary,
		cfg.Semantic.PointerCacheSize,
		ctxTable, b.serial, metrics, logger,
	)
	if err != nil {
		return nil, err
	}
	b.drift, err = hypervisor.NewDriftDetector(cfg.Hypervisor.Drift, driftTable, b.serial, metrics, logger)
	if err != nil {
		return nil, err
	}
	b.stream = hypervisor.NewStreamDetector(cfg.Hypervisor.Drift, b.drift, 0, logger)
	b.lifecycle, err = hypervisor.NewLifecycleTracker(cfg.Hypervisor.Lifecycle, lifeTable, b.serial, metrics, logger)
	if err != nil {
		return nil, err
	}
	b.fidelity = hypervisor.NewFidelityCalculator(cfg.Hypervisor.Fidelity, fidelityTable, metrics, logger)

	var contexts retained.ContextResolver
	if cfg.Semantic.PayloadMode != retained.ModeInline {
		contexts = b.pointers
	}
	b.retainedPub = retained.New(
		retained.Config{
			Enabled:           cfg.UNS.Enabled,
			QoS:               byte(cfg.UNS.QoS),
			Retain:            cfg.UNS.Retain,
			PayloadMode:       cfg.Semantic.PayloadMode,
			UseUserProperties: cfg.Semantic.UseUserProperties,
			Deduplicate:       cfg.State.DeduplicatePublishes,
		},
		b.serial, b.topics, b.resolver, hashes, contexts, metrics, logger,
	)
	b.lifecycle.SetRetainedCleaner(b.retainedPub)

	b.node = sparkplugnode.New(
		sparkplugnode.Config{
			Enabled:    cfg.Sparkplug.Enabled,
			GroupID:    cfg.Sparkplug.GroupID,
			EdgeNodeID: cfg.Sparkplug.EdgeNodeID,
			QoS:        byte(cfg.Sparkplug.QoS),
		},
		b.serial, aliases, births, sessionTable, metrics, logger,
	)
	b.lifecycle.SetOfflineObserver(func(assetID string) {
		device := b.resolver.Resolve(assetID).Asset
		if err := b.node.DeviceDeath(device); err != nil {
			logger.Warn("DDEATH on offline failed", "device", device, "error", err)
		}
	})

	b.repoClient = repo.New(cfg.RepoClient, logger)
	if cfg.Hypervisor.Bidirectional.Enabled {
		b.bidi = hypervisor.NewBidirectional(
			cfg.Hypervisor.Bidirectional,
			b.topics, b.resolver, b.serial, b.repoClient, b.validator,
			errors.RetryConfig(cfg.RepoClient.WriteRetries, 0, 0),
			metrics, logger,
		)
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
		if parallelism < 2 {
			parallelism = 2
		}
	}
	b.pool = worker.NewPool(parallelism, 64, b.processSnapshot,
		worker.WithMetrics[Snapshot](b.registry, "pipeline"))

	b.metricsServer = metric.NewServer(cfg.Observability.MetricsPort, "/metrics", b.registry)
	b.healthServer = health.NewServer(cfg.Observability.HealthPort, b.monitor, b.client.IsConnected)

	b.watcher = aasfile.New(cfg.FileWatcher, func(ctx context.Context, ev aasfile.Event) {
		b.Submit(ctx, Snapshot{
			Env:             ev.Env,
			OriginURI:       ev.OriginURI,
			SourceTimestamp: ev.SourceTimestamp,
		})
	}, logger)

	return b, nil
}

// Submit enqueues a snapshot, blocking on the bounded queue so a stalled
// broker backpressures all the way to ingress.
func (b *Bridge) Submit(ctx context.Context, snap Snapshot) {
	if err := b.pool.SubmitWait(ctx, snap); err != nil {
		b.logger.Warn("snapshot dropped", "origin", snap.OriginURI, "error", err)
	}
}

// Run starts everything and blocks until the context is cancelled, then
// shuts down gracefully within the configured deadline.
func (b *Bridge) Run(ctx context.Context) error {
	metrics := b.registry.CoreMetrics()

	if err := b.metricsServer.Start(); err != nil {
		return err
	}
	if err := b.healthServer.Start(); err != nil {
		return err
	}

	if err := b.pool.Start(ctx); err != nil {
		return err
	}

	if err := b.connect(ctx); err != nil {
		return err
	}
	metrics.BrokerConnected.Set(1)
	b.monitor.UpdateHealthy("broker", "connected")

	if b.bidi != nil {
		if err := b.bidi.Start(); err != nil {
			b.logger.Error("command subscription failed", "error", err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		b.lifecycle.Run(groupCtx)
		return nil
	})
	if err := b.watcher.Start(groupCtx); err != nil {
		return err
	}
	if b.cfg.RepoClient.Enabled {
		poller := repo.NewPoller(b.repoClient, func(ctx context.Context, env *aas.Environment, originURI string) {
			b.Submit(ctx, Snapshot{Env: env, OriginURI: originURI, SourceTimestamp: time.Now().UnixMilli()})
		}, b.logger)
		group.Go(func() error {
			poller.Run(groupCtx)
			return nil
		})
	}

	b.monitor.UpdateHealthy("pipeline", "running")
	b.logger.Info("bridge running",
		"broker", b.cfg.Broker.URL(),
		"group_id", b.cfg.Sparkplug.GroupID,
		"edge_node_id", b.cfg.Sparkplug.EdgeNodeID)

	<-ctx.Done()
	_ = group.Wait()
	return b.shutdown()
}

// connect establishes the broker session with backoff, registering the
// last-will and running the session birth sequence.
func (b *Bridge) connect(ctx context.Context) error {
	cfg := retry.Config{
		MaxAttempts:  30,
		InitialDelay: time.Duration(b.cfg.Broker.ReconnectDelayMin * float64(time.Second)),
		MaxDelay:     time.Duration(b.cfg.Broker.ReconnectDelayMax * float64(time.Second)),
		Multiplier:   2.0,
		AddJitter:    true,
	}

	return retry.Do(ctx, cfg, func() error {
		will, err := b.node.NextSession()
		if err != nil {
			return err
		}
		b.client.SetWill(will)

		if err := b.client.Connect(); err != nil {
			if errors.IsFatal(err) {
				return retry.NonRetryable(err)
			}
			b.logger.Warn("broker connect failed, backing off", "error", err)
			return err
		}

		// A publish failure here aborts the connect attempt entirely.
		if err := b.node.OnConnected(); err != nil {
			b.client.Disconnect(0)
			b.logger.Warn("session birth failed, backing off", "error", err)
			return err
		}

		b.pointers.ResetSession()
		return nil
	})
}

// onConnectionLost triggers the reconnect path off the broker callback.
func (b *Bridge) onConnectionLost(err error) {
	b.registry.CoreMetrics().BrokerConnected.Set(0)
	b.monitor.UpdateUnhealthy("broker", "connection lost")
	b.logger.Error("broker connection lost", "error", err)

	b.reconnectMu.Lock()
	if b.reconnectIn {
		b.reconnectMu.Unlock()
		return
	}
	b.reconnectIn = true
	b.reconnectMu.Unlock()

	go func() {
		defer func() {
			b.reconnectMu.Lock()
			b.reconnectIn = false
			b.reconnectMu.Unlock()
		}()

		if err := b.connect(context.Background()); err != nil {
			b.logger.Error("reconnect failed", "error", err)
			return
		}
		b.registry.CoreMetrics().BrokerConnected.Set(1)
		b.registry.CoreMetrics().BrokerReconnects.Inc()
		b.monitor.UpdateHealthy("broker", "reconnected")
		if b.bidi != nil {
			if err := b.bidi.Start(); err != nil {
				b.logger.Warn("command resubscription failed", "error", err)
			}
		}
	}()
}

func (b *Bridge) shutdown() error {
	deadline := b.cfg.ShutdownDeadline()
	b.logger.Info("shutting down", "deadline", deadline)

	done := make(chan struct{})
	go func() {
		defer close(done)

		b.watcher.Stop()
		if err := b.pool.Stop(deadline / 2); err != nil {
			b.logger.Warn("pipeline drain incomplete", "error", err)
		}
		if b.bidi != nil {
			b.bidi.Stop()
		}
		if err := b.node.Shutdown(); err != nil {
			b.logger.Warn("lifecycle-plane shutdown failed", "error", err)
		}
		b.client.Disconnect(500 * time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		// The broker delivers the registered NDEATH last-will.
		b.logger.Error("graceful shutdown deadline exceeded")
	}

	_ = b.metricsServer.Stop()
	_ = b.healthServer.Stop()
	return b.store.Close()
}

// slogBrokerLogger adapts slog to the broker client's logger surface.
type slogBrokerLogger struct {
	logger *slog.Logger
}

func (l slogBrokerLogger) Printf(format string, v ...any) {
	l.logger.Info("broker", "msg", fmt.Sprintf(format, v...))
}

func (l slogBrokerLogger) Errorf(format string, v ...any) {
	l.logger.Error("broker", "msg", fmt.Sprintf(format, v...))
}

func (l slogBrokerLogger) Debugf(format string, v ...any) {
	l.logger.Debug("broker", "msg", fmt.Sprintf(format, v...))
}
