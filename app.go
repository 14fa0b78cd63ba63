package vectorshard

import (
	"context"
	"time"

	"github.com/IvanBrykalov/vectorshard/cache"
	"github.com/IvanBrykalov/vectorshard/codec"
	"github.com/IvanBrykalov/vectorshard/event"
	"github.com/IvanBrykalov/vectorshard/governor"
	"github.com/IvanBrykalov/vectorshard/migrate"
	"github.com/IvanBrykalov/vectorshard/router"
)

// Config wires the subsystem together. Zero values take the defaults of
// the individual components.
type Config struct {
	// Resource budgets.
	MaxHeapBytes  uint64
	MaxCacheBytes int64

	// GovernorInterval is the backpressure tick period. Default 60s.
	GovernorInterval time.Duration

	// DefaultNamespace applies to namespaces created implicitly by writes.
	DefaultNamespace cache.NamespaceConfig

	// MinAccuracy is the compression acceptance floor. Default 0.9.
	MinAccuracy float64

	// External collaborators for migrations. Both must be set before any
	// migration can run; a plan-only router works without them.
	Backup      migrate.Backup
	Persistence migrate.Persistence

	// RebalanceEntities lists entity types the governor rebalances under
	// pressure.
	RebalanceEntities []string

	// Metrics and Sink are shared across components. Nil is allowed.
	Metrics cache.Metrics
	Sink    event.Sink
}

// App owns one instance of every component, dependency-injected and
// explicitly started. It is the single owner the surrounding system holds.
type App struct {
	Cache       *cache.Cache
	Compressor  *codec.Compressor
	Router      *router.Router
	Coordinator *migrate.Coordinator
	Governor    *governor.Governor
}

// NewApp constructs and wires the subsystem. The governor is created but
// not started; call Start.
func NewApp(cfg Config) (*App, error) {
	comp := codec.New(codec.Options{
		MinAccuracy: cfg.MinAccuracy,
		Sink:        cfg.Sink,
	})

	c := cache.New(cache.Options{
		Compressor:       comp,
		DefaultNamespace: cfg.DefaultNamespace,
		Metrics:          cfg.Metrics,
		Sink:             cfg.Sink,
	})

	r := router.New(router.Options{Sink: cfg.Sink})

	var coord *migrate.Coordinator
	if cfg.Backup != nil && cfg.Persistence != nil {
		coord = migrate.New(migrate.Options{
			Router:      r,
			Backup:      cfg.Backup,
			Persistence: cfg.Persistence,
			Sink:        cfg.Sink,
		})
		r.SetSubmitter(coord)
	}

	g := governor.New(governor.Options{
		Cache:             c,
		Compressor:        comp,
		Rebalancer:        r,
		RebalanceEntities: cfg.RebalanceEntities,
		Interval:          cfg.GovernorInterval,
		MaxHeapBytes:      cfg.MaxHeapBytes,
		MaxCacheBytes:     cfg.MaxCacheBytes,
		Sink:              cfg.Sink,
	})

	return &App{
		Cache:       c,
		Compressor:  comp,
		Router:      r,
		Coordinator: coord,
		Governor:    g,
	}, nil
}

// Start launches the background loops (governor tick, cache TTL sweep is
// already running). ctx cancellation stops the governor.
func (a *App) Start(ctx context.Context) {
	a.Governor.Start(ctx)
}

// Close stops background work and releases the cache.
func (a *App) Close() error {
	a.Governor.Stop()
	return a.Cache.Close()
}
