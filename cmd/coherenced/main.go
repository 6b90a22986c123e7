// Command coherenced runs one node's coherence engine: it wires
// configuration, logging, the transport, and the control surface
// together and blocks until signaled to stop. Grounded on the flat
// func main() of the teacher's cmd/mock-nbd-overlay/main.go (construct
// collaborators in order, fail fast with a logged error, no
// cobra/viper anywhere in the teacher or pack for a single-binary
// daemon entrypoint).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cxlswmc/pagecoherence/internal/config"
	"github.com/cxlswmc/pagecoherence/internal/controlserver"
	"github.com/cxlswmc/pagecoherence/internal/hostmapper"
	"github.com/cxlswmc/pagecoherence/pkg/cxlmem"
	"github.com/cxlswmc/pagecoherence/pkg/engine"
	"github.com/cxlswmc/pagecoherence/pkg/pfn"
	"github.com/cxlswmc/pagecoherence/pkg/transport"
	"github.com/cxlswmc/pagecoherence/pkg/transport/redistransport"
	"github.com/cxlswmc/pagecoherence/pkg/wire"
)

// deferredTransport defers to whatever transport.Transport is assigned
// after construction. engine.New needs a transport.Transport up front,
// but redistransport.New needs the engine's own *transport.Dispatcher —
// this breaks that construction cycle the same way pkg/engine's own
// tests do (engine_test.go's lazyTransport).
type deferredTransport struct {
	mu    sync.RWMutex
	inner transport.Transport
}

func (d *deferredTransport) setInner(t transport.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inner = t
}

func (d *deferredTransport) get() transport.Transport {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inner
}

func (d *deferredTransport) NodeCount(ctx context.Context) (int, error) { return d.get().NodeCount(ctx) }
func (d *deferredTransport) Unicast(ctx context.Context, msg wire.Message) error {
	return d.get().Unicast(ctx, msg)
}
func (d *deferredTransport) Broadcast(ctx context.Context, msg wire.Message) error {
	return d.get().Broadcast(ctx, msg)
}
func (d *deferredTransport) Done(msg wire.Message) { d.get().Done(msg) }

var _ transport.Transport = (*deferredTransport)(nil)

func main() {
	checkConfig := flag.Bool("check-config", false, "parse configuration, print it, and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coherenced: loading configuration: %s\n", err)
		os.Exit(1)
	}

	if *checkConfig {
		fmt.Printf("%+v\n", cfg)
		return
	}

	log, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coherenced: building logger: %s\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	instanceID := uuid.New().String()
	log = log.With(zap.String("instance_id", instanceID), zap.Int32("node_id", cfg.LocalNode))

	if err := run(cfg, log); err != nil {
		log.Fatal("coherenced: exiting", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	atomicLevel := zap.NewAtomicLevel()
	if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel

	return cfg.Build()
}

func run(cfg config.Config, log *zap.Logger) error {
	peers, err := parsePeers(cfg.PeerNodes)
	if err != nil {
		return fmt.Errorf("parsing peer nodes: %w", err)
	}

	region, err := cxlmem.OpenFileRegion(cfg.RegionPath, cfg.RegionSize)
	if err != nil {
		return fmt.Errorf("opening region: %w", err)
	}
	defer region.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer redisClient.Close()

	deferredTr := &deferredTransport{}

	eng, err := engine.New(engine.Config{
		LocalNode:           cfg.LocalNode,
		Space:               pfn.Space{Base: 0, PageShift: cfg.PageShift},
		StationCapacity:     cfg.StationCapacity,
		StationThreshold:    cfg.StationThreshold,
		ReplicaArenaPath:    cfg.ReplicaArenaPath,
		ReplicaSlots:        cfg.ReplicaSlots,
		SamplingInterval:    cfg.SamplingInterval,
		ReplicationInterval: cfg.ReplicationInterval,
		HotPercentile:       cfg.HotPercentile,
		Transport:           deferredTr,
		Mapper:              hostmapper.New(log),
		Region:              region,
		Resolver:            hostmapper.NewResolver(log),
		Log:                 log,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	tr := redistransport.New(redisClient, cfg.LocalNode, peers, eng.Dispatcher(), log)
	deferredTr.setInner(tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tr.Run(ctx)
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer eng.Close()

	eng.ReplicationStart(cfg.SamplingInterval, cfg.HotPercentile)

	srv := controlserver.New(eng, log, int(cfg.ControlPort))

	g.Go(func() error {
		log.Info("coherenced: control surface listening", zap.Int("port", int(cfg.ControlPort)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info("coherenced: shutdown signal received")
	case <-ctx.Done():
	}

	tr.Stop()
	_ = srv.Close()
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func parsePeers(raw []string) ([]int32, error) {
	peers := make([]int32, 0, len(raw))

	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid peer node %q: %w", s, err)
		}

		peers = append(peers, int32(n))
	}

	return peers, nil
}
