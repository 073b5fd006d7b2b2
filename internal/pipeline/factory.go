package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mitchellh/copystructure"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/wchain/internal/chain"
	"github.com/tjfontaine/wchain/internal/config"
	"github.com/tjfontaine/wchain/internal/telemetry"
)

// PipelineStageType is the built-in stage type that runs another pipeline.
// Its "name" param selects the pipeline.
const PipelineStageType = "pipeline"

// StageFactory defines how to build one stage type from its params.
type StageFactory struct {
	// Type is the identifier used in configuration (e.g., "hash").
	Type string

	// Description is shown by the pipelines listing.
	Description string

	// NameParam, when set, is the param that defaults to the stage's
	// configured name (e.g. the digest label of a hash stage).
	NameParam string

	// Create builds the middleware. params is a private deep copy of the
	// configured values.
	Create func(params Params) (chain.Middleware[*Meta], error)
}

var (
	factoryMu  sync.RWMutex
	factoryMap = make(map[string]StageFactory)
)

// RegisterStage registers a stage factory. Panics if the type is empty, reserved
// or already registered.
func RegisterStage(f StageFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if f.Type == "" {
		panic("stage factory type cannot be empty")
	}
	if f.Type == PipelineStageType {
		panic(fmt.Sprintf("stage factory type %q is reserved", f.Type))
	}
	if f.Create == nil {
		panic(fmt.Sprintf("stage factory %q must have a Create function", f.Type))
	}
	if _, exists := factoryMap[f.Type]; exists {
		panic(fmt.Sprintf("stage factory %q already registered", f.Type))
	}

	factoryMap[f.Type] = f
}

// GetStage returns the factory for a stage type, if registered.
func GetStage(stageType string) (StageFactory, bool) {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	f, ok := factoryMap[stageType]
	return f, ok
}

// IsRegistered returns true if a stage type is registered.
func IsRegistered(stageType string) bool {
	_, ok := GetStage(stageType)
	return ok
}

// ListStages returns all registered stage factories sorted by type.
func ListStages() []StageFactory {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	result := make([]StageFactory, 0, len(factoryMap))
	for _, f := range factoryMap {
		result = append(result, f)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Type < result[j].Type
	})
	return result
}

// StageTypes returns all registered stage type names.
func StageTypes() []string {
	factories := ListStages()
	types := make([]string, len(factories))
	for i, f := range factories {
		types[i] = f.Type
	}
	return types
}

// ClearStages removes all registered factories (for testing only).
func ClearStages() {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factoryMap = make(map[string]StageFactory)
}

// BuildOptions apply to every chain built from configuration.
type BuildOptions struct {
	Chain  chain.Options
	Logger *slog.Logger
	// Tracer, when set, wraps every stage in a span.
	Tracer trace.Tracer
}

// Build compiles every pipeline in cfgs. A pipeline referenced by several
// others is built once and shared.
func Build(cfgs []config.PipelineConfig, opts BuildOptions) (map[string]*chain.Chain[*Meta], error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &builder{
		opts:  opts,
		cfgs:  make(map[string]config.PipelineConfig, len(cfgs)),
		built: make(map[string]*chain.Chain[*Meta], len(cfgs)),
	}
	for _, cfg := range cfgs {
		if _, dup := b.cfgs[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate pipeline %q", cfg.Name)
		}
		b.cfgs[cfg.Name] = cfg
	}

	for _, cfg := range cfgs {
		if _, err := b.build(cfg.Name); err != nil {
			return nil, err
		}
	}
	return b.built, nil
}

type builder struct {
	opts     BuildOptions
	cfgs     map[string]config.PipelineConfig
	built    map[string]*chain.Chain[*Meta]
	visiting []string
}

func (b *builder) build(name string) (*chain.Chain[*Meta], error) {
	if c, ok := b.built[name]; ok {
		return c, nil
	}
	for i, v := range b.visiting {
		if v == name {
			path := append(append([]string(nil), b.visiting[i:]...), name)
			return nil, &CycleError{Path: path}
		}
	}

	cfg, ok := b.cfgs[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}

	b.visiting = append(b.visiting, name)
	defer func() { b.visiting = b.visiting[:len(b.visiting)-1] }()

	c := chain.New[*Meta](
		chain.WithOptions(b.opts.Chain),
		chain.WithName(name),
		chain.WithLogger(b.opts.Logger),
	)
	for i, st := range cfg.Stages {
		mw, err := b.stage(st)
		if err != nil {
			return nil, &StageError{Pipeline: name, Index: i, Type: st.Type, Err: err}
		}
		if b.opts.Tracer != nil {
			mw = telemetry.TraceStage(b.opts.Tracer, telemetry.StageInfo{
				Pipeline: name,
				Index:    i,
				Type:     st.Type,
				Name:     st.Name,
			}, mw)
		}
		c.Use(mw)
	}

	b.built[name] = c
	return c, nil
}

func (b *builder) stage(st config.StageConfig) (chain.Middleware[*Meta], error) {
	params, err := copyParams(st.Params)
	if err != nil {
		return nil, err
	}

	if st.Type == PipelineStageType {
		ref, err := params.RequiredString("name")
		if err != nil {
			return nil, err
		}
		return b.build(ref)
	}

	f, ok := GetStage(st.Type)
	if !ok {
		return nil, fmt.Errorf("unknown stage type %q (registered types: %v)", st.Type, StageTypes())
	}
	if f.NameParam != "" && st.Name != "" {
		if _, set := params[f.NameParam]; !set {
			params[f.NameParam] = st.Name
		}
	}
	return f.Create(params)
}

func copyParams(in map[string]any) (Params, error) {
	if len(in) == 0 {
		return Params{}, nil
	}
	out, err := copystructure.Copy(in)
	if err != nil {
		return nil, fmt.Errorf("copy params: %w", err)
	}
	return Params(out.(map[string]any)), nil
}
