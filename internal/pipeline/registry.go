package pipeline

import (
	"sort"
	"sync/atomic"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/config"
)

type snapshot struct {
	chains  map[string]*chain.Chain[*Meta]
	configs map[string]config.PipelineConfig
}

// Registry holds the built pipelines by name. Reload replaces the whole set at
// once; runs already in flight keep the chain they started with.
type Registry struct {
	opts    BuildOptions
	current atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry whose pipelines are built with opts.
func NewRegistry(opts BuildOptions) *Registry {
	r := &Registry{opts: opts}
	r.current.Store(&snapshot{})
	return r
}

// Reload builds cfgs and, if every pipeline builds, makes them current.
func (r *Registry) Reload(cfgs []config.PipelineConfig) error {
	chains, err := Build(cfgs, r.opts)
	if err != nil {
		return err
	}

	configs := make(map[string]config.PipelineConfig, len(cfgs))
	for _, cfg := range cfgs {
		configs[cfg.Name] = cfg
	}
	r.current.Store(&snapshot{chains: chains, configs: configs})
	return nil
}

// Get returns the chain for the named pipeline.
func (r *Registry) Get(name string) (*chain.Chain[*Meta], error) {
	c, ok := r.current.Load().chains[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return c, nil
}

// Config returns the configuration the named pipeline was built from.
func (r *Registry) Config(name string) (config.PipelineConfig, bool) {
	cfg, ok := r.current.Load().configs[name]
	return cfg, ok
}

// Names returns the registered pipeline names, sorted.
func (r *Registry) Names() []string {
	snap := r.current.Load()
	names := make([]string, 0, len(snap.chains))
	for name := range snap.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
