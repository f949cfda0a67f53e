// Command ciris runs the reasoning core as a standalone process: it wires
// the clock, registry, persistence, audit chain, service buses, DMA
// pipeline, cognitive processor, and action handlers together and starts
// the round loop. Adapters (chat connectors, LLM backends, tool
// providers) register themselves against the running registry the same
// way core/cmd/example/main.go attaches a Redis discovery client to a
// bare BaseAgent before calling Start — this composition root only wires
// the defaults every deployment needs (sqlite memory, the audit chain,
// OpenTelemetry) and leaves everything adapter-specific to be registered
// separately.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ciris-ai/ciris-core"
	"github.com/ciris-ai/ciris-core/audit"
	"github.com/ciris-ai/ciris-core/bus"
	"github.com/ciris-ai/ciris-core/clock"
	"github.com/ciris-ai/ciris-core/dma"
	"github.com/ciris-ai/ciris-core/handlers"
	"github.com/ciris-ai/ciris-core/persistence"
	"github.com/ciris-ai/ciris-core/processor"
	"github.com/ciris-ai/ciris-core/registry"
)

func main() {
	logger := ciris.NewProductionLogger()
	cfgOpts := []ciris.Option{ciris.WithLogger(logger)}
	if path := os.Getenv("CIRIS_CONFIG_FILE"); path != "" {
		cfgOpts = append(cfgOpts, ciris.WithYAMLFile(path))
	}
	cfg := ciris.NewConfig(cfgOpts...)
	cl := clock.NewSystemClock()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := buildRegistry(ctx, cl, logger, cfg)
	if err != nil {
		log.Fatalf("ciris: build registry: %v", err)
	}

	store, err := persistence.Open(cl, logger, cfg.Persistence)
	if err != nil {
		log.Fatalf("ciris: open persistence: %v", err)
	}
	defer store.Close()

	chain, err := buildAuditChain(ctx, cl, logger, cfg.Audit)
	if err != nil {
		log.Fatalf("ciris: build audit chain: %v", err)
	}
	defer chain.Close()

	buses := bus.NewBuses(reg, cl, logger)
	registerDefaultProviders(ctx, reg, store, chain, logger)

	conscience := dma.NewConscience(cfg.DMA)
	pipeline := dma.NewPipeline(
		dma.PDMA{Bus: buses.LLM, Model: "default"},
		dma.CSDMA{Bus: buses.LLM, Model: "default"},
		dma.DSDMA{Bus: buses.LLM, Model: "default", DomainName: "general", DomainRules: "respond helpfully and honestly"},
		dma.LLMActionSelectionDMA{Bus: buses.LLM, Model: "default"},
		conscience, cl, cfg.DMA, logger,
	)

	shutdownAdapter := &processorShutdown{}
	hreg := handlers.New(store, buses, chain, cl, cfg.Processor, cfg.DMA, shutdownAdapter, logger)
	proc := processor.New(store, buses, pipeline, chain, hreg, cl, cfg.Processor, cfg.DMA, logger)
	proc.Security = cfg.Security
	shutdownAdapter.proc = proc

	rc := processor.NewRuntimeControl(proc, cfg, reg, chain)
	_ = reg.Register(ctx, "runtime-control", registry.Registration{
		ServiceType: "runtime_control",
		Capabilities: []string{
			"runtime_control.pause", "runtime_control.resume", "runtime_control.step",
			"runtime_control.load_adapter", "runtime_control.unload_adapter",
		},
		Priority: ciris.PriorityCritical,
		Provider: rc,
	})

	if err := proc.Start(ctx); err != nil {
		log.Fatalf("ciris: start processor: %v", err)
	}

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping processor", nil)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Processor.ShutdownGrace)
	defer stopCancel()
	if err := proc.Stop(stopCtx); err != nil {
		logger.Error("processor stop returned an error", map[string]interface{}{"error": err.Error()})
	}
}

// processorShutdown adapts Processor.Stop to handlers.ShutdownRequester so
// a handler can ask for graceful shutdown without importing processor.
type processorShutdown struct {
	proc *processor.Processor
}

func (s *processorShutdown) RequestShutdown(ctx context.Context, reason string) error {
	log.Printf("ciris: handler requested shutdown: %s", reason)
	return s.proc.Stop(ctx)
}

// buildRegistry wires a RedisRegistry when CIRIS_REGISTRY_REDIS_URL is
// configured, falling back to an in-process MemoryRegistry — the same
// optional-Redis-else-local-fallback shape core/cmd/example/main.go uses
// for discovery.
func buildRegistry(ctx context.Context, cl clock.Clock, logger ciris.Logger, cfg *ciris.Config) (registry.Registry, error) {
	if cfg.Registry.RedisURL == "" {
		return registry.NewMemoryRegistry(cl, logger, cfg.Registry), nil
	}
	rr, err := registry.NewRedisRegistry(ctx, cfg.Registry.RedisURL, cl, logger, cfg.Registry)
	if err != nil {
		logger.Warn("redis registry unavailable, falling back to in-memory", map[string]interface{}{"error": err.Error()})
		return registry.NewMemoryRegistry(cl, logger, cfg.Registry), nil
	}
	return rr, nil
}

// buildAuditChain loads the signing key sealed at CIRIS_AUDIT_KEY_FILE
// (with CIRIS_AUDIT_KEY_PASSPHRASE) when both are set and the file
// exists; otherwise it generates a fresh Ed25519 key and, when both are
// set, seals it there for the next run.
func buildAuditChain(ctx context.Context, cl clock.Clock, logger ciris.Logger, cfg ciris.AuditConfig) (*audit.Chain, error) {
	keyFile := os.Getenv("CIRIS_AUDIT_KEY_FILE")
	passphrase := os.Getenv("CIRIS_AUDIT_KEY_PASSPHRASE")

	keyID, priv, err := loadOrCreateSigningKey(keyFile, passphrase)
	if err != nil {
		return nil, err
	}

	signer, err := audit.NewEd25519Signer(keyID, priv)
	if err != nil {
		return nil, err
	}
	pub, _ := priv.Public().(ed25519.PublicKey)
	verifier, err := audit.NewEd25519Verifier(keyID, pub)
	if err != nil {
		return nil, err
	}

	kr := audit.NewKeyRing()
	kr.Add(&audit.KeyRecord{KeyID: keyID, Algorithm: audit.AlgEd25519, Signer: signer, Verifier: verifier, CreatedAt: cl.Now()})
	return audit.NewChain(ctx, cfg.JournalPath, cfg.IndexDBPath, kr, cl, logger)
}

func loadOrCreateSigningKey(keyFile, passphrase string) (string, ed25519.PrivateKey, error) {
	if keyFile != "" && passphrase != "" {
		if _, statErr := os.Stat(keyFile); statErr == nil {
			return audit.OpenEd25519KeyFromFile(keyFile, passphrase)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	keyID := "boot-key"
	_ = pub

	if keyFile != "" && passphrase != "" {
		if err := audit.SealEd25519KeyToFile(keyFile, keyID, passphrase, priv); err != nil {
			return "", nil, err
		}
	}
	return keyID, priv, nil
}

// registerDefaultProviders registers the providers every deployment needs
// regardless of which adapters are loaded later: the sqlite-backed graph
// store as the Memory capability, the audit chain as the Audit
// capability, and an OpenTelemetry tracer/meter pair as Telemetry.
func registerDefaultProviders(ctx context.Context, reg registry.Registry, store *persistence.Store, chain *audit.Chain, logger ciris.Logger) {
	_ = reg.Register(ctx, "memory-sqlite", registry.Registration{
		ServiceType:  "memory",
		Capabilities: []string{"memory.put_node", "memory.get_node", "memory.delete_node", "memory.query", "memory.put_edge"},
		Priority:     ciris.PriorityNormal,
		Provider:     store,
	})
	_ = reg.Register(ctx, "audit-chain", registry.Registration{
		ServiceType:  "audit",
		Capabilities: []string{"audit.log"},
		Priority:     ciris.PriorityNormal,
		Provider:     bus.NewChainAuditProvider(chain),
	})

	tpOpts := []sdktrace.TracerProviderOption{}
	if exp, err := stdouttrace.New(stdouttrace.WithoutTimestamps()); err != nil {
		logger.Warn("telemetry: stdout span exporter unavailable, spans will not be recorded", map[string]interface{}{"error": err.Error()})
	} else {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	_ = reg.Register(ctx, "telemetry-otel", registry.Registration{
		ServiceType:  "telemetry",
		Capabilities: []string{"telemetry.span", "telemetry.metric"},
		Priority:     ciris.PriorityNormal,
		Provider:     bus.NewOtelTelemetryProvider(tp.Tracer("ciris"), otel.Meter("ciris")),
	})
}
