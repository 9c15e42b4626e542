package ingest

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry maps source ids to adapters. It is populated at startup and
// sealed before runs begin; once sealed, lookups take no lock.
type Registry struct {
	mu       sync.RWMutex
	sealed   atomic.Bool
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(sourceID string, adapter Adapter) error {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return fmt.Errorf("register: empty source id")
	}
	if adapter == nil {
		return fmt.Errorf("register %s: nil adapter", sourceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("register %s: %w", sourceID, ErrRegistrySealed)
	}
	if _, exists := r.adapters[sourceID]; exists {
		return fmt.Errorf("register %s: %w", sourceID, ErrDuplicateSource)
	}
	r.adapters[sourceID] = adapter
	return nil
}

func (r *Registry) Resolve(sourceID string) (Adapter, error) {
	var (
		a  Adapter
		ok bool
	)
	if r.sealed.Load() {
		a, ok = r.adapters[sourceID]
	} else {
		r.mu.RLock()
		a, ok = r.adapters[sourceID]
		r.mu.RUnlock()
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, sourceID)
	}
	return a, nil
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sources returns the registered ids in sorted order.
func (r *Registry) Sources() []string {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AdapterBuilder constructs an adapter of one kind from its settings.
type AdapterBuilder func(cfg SourceConfig, fetcher Fetcher) (Adapter, error)

// FetcherFactory returns the fetcher a source's adapter should use.
type FetcherFactory func(src SourceConfig) (Fetcher, error)

// SharedFetcher hands the same fetcher to every source.
func SharedFetcher(f Fetcher) FetcherFactory {
	return func(SourceConfig) (Fetcher, error) { return f, nil }
}

var adapterBuilders = map[string]AdapterBuilder{}

func init() {
	adapterBuilders["eastmoney"] = func(cfg SourceConfig, f Fetcher) (Adapter, error) {
		return NewEastmoneyAdapter(cfg, f)
	}
	adapterBuilders["tiantian"] = func(cfg SourceConfig, f Fetcher) (Adapter, error) {
		return NewTiantianAdapter(cfg, f)
	}
}

// NewDefaultRegistry builds every enabled source in settings and seals the
// registry.
func NewDefaultRegistry(settings *SourceSettings, fetchers FetcherFactory) (*Registry, error) {
	reg := NewRegistry()
	for _, src := range settings.Sources {
		if !src.Enabled {
			log.Printf("[Registry] source %s disabled, skipping", src.ID)
			continue
		}
		build, ok := adapterBuilders[src.Kind]
		if !ok {
			return nil, fmt.Errorf("source %s: unknown adapter kind %q", src.ID, src.Kind)
		}
		fetcher, err := fetchers(src)
		if err != nil {
			return nil, fmt.Errorf("source %s: fetcher: %w", src.ID, err)
		}
		adapter, err := build(src, fetcher)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		if err := reg.Register(src.ID, adapter); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	log.Printf("[Registry] sealed with sources: %s", strings.Join(reg.Sources(), ", "))
	return reg, nil
}
