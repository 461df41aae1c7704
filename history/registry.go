package history

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/yungbote/gormhistory/logger"
)

const defaultTablePrefix = "historical_"

// Registry holds the process-wide set of tracked models and their shadow
// definitions. It is populated during startup schema registration and is
// read-only afterwards; Track must not be called per-request.
type Registry struct {
	log    *logger.Logger
	namer  schema.Namer
	cache  *sync.Map
	prefix string

	mu        sync.RWMutex
	byType    map[reflect.Type]*Registration
	byTable   map[string]*Registration
	byShadow  map[string]*Registration
	order     []*Registration
	templates map[reflect.Type]modelOptions
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTablePrefix overrides the default "historical_" shadow table prefix.
func WithTablePrefix(prefix string) RegistryOption {
	return func(r *Registry) { r.prefix = prefix }
}

func NewRegistry(baseLog *logger.Logger, opts ...RegistryOption) *Registry {
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	r := &Registry{
		log:       baseLog.With("component", "HistoryRegistry"),
		namer:     schema.NamingStrategy{IdentifierMaxLength: 64},
		cache:     &sync.Map{},
		prefix:    defaultTablePrefix,
		byType:    map[reflect.Type]*Registration{},
		byTable:   map[string]*Registration{},
		byShadow:  map[string]*Registration{},
		templates: map[reflect.Type]modelOptions{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Track registers a model for history tracking and synthesizes its shadow
// definition. Registering the same model twice is a configuration error.
//
// Tracking a primary-key-less embeddable struct is skipped with a warning
// unless WithInherit is set, in which case its options become a template
// inherited by concrete models embedding it.
func (r *Registry) Track(model any, opts ...TrackOption) (*Registration, error) {
	mt := indirectStructType(model)
	if mt == nil {
		return nil, fmt.Errorf("history: model must be a struct or struct pointer, got %T", model)
	}

	sch, err := schema.Parse(model, r.cache, r.namer)
	if err != nil {
		return nil, fmt.Errorf("history: parse schema for %s: %w", mt.Name(), err)
	}

	options := defaultModelOptions()
	r.applyTemplates(mt, &options)
	for _, opt := range opts {
		opt(&options)
	}

	if sch.PrioritizedPrimaryField == nil {
		if !options.inherit {
			r.log.Warn("skipping history tracking for model without a primary key; use WithInherit for embeddable bases",
				"model", mt.Name())
			return nil, nil
		}
		r.mu.Lock()
		r.templates[mt] = options
		r.mu.Unlock()
		r.log.Debug("registered inheritable history template", "model", mt.Name())
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byType[mt]; dup {
		return nil, fmt.Errorf("history: %s: %w", mt.Name(), ErrAlreadyRegistered)
	}

	reg, err := synthesize(r, mt, sch, options)
	if err != nil {
		return nil, err
	}

	r.byType[mt] = reg
	r.byTable[sch.Table] = reg
	r.byShadow[reg.shadow.Table] = reg
	r.order = append(r.order, reg)

	r.log.Info("registered historical model",
		"model", mt.Name(),
		"table", sch.Table,
		"history_table", reg.shadow.Table,
		"fields", len(reg.shadow.Fields),
		"m2m", len(reg.shadow.M2M))
	return reg, nil
}

// MustTrack is Track for startup wiring; it panics on configuration errors.
func (r *Registry) MustTrack(model any, opts ...TrackOption) *Registration {
	reg, err := r.Track(model, opts...)
	if err != nil {
		panic(err)
	}
	return reg
}

// For resolves the registration for a model, or ErrNotRegistered.
func (r *Registry) For(model any) (*Registration, error) {
	mt := indirectStructType(model)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if mt != nil {
		if reg, ok := r.byType[mt]; ok {
			return reg, nil
		}
	}
	name := "<nil>"
	if mt != nil {
		name = mt.Name()
	}
	return nil, fmt.Errorf("history: %s: %w", name, ErrNotRegistered)
}

func (r *Registry) forType(t reflect.Type) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[t]
	return reg, ok
}

// ForTable resolves a registration by live table name.
func (r *Registry) ForTable(table string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byTable[table]
	return reg, ok
}

// All enumerates every registration in registration order, for
// auto-discovery by CLI tooling.
func (r *Registry) All() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, len(r.order))
	copy(out, r.order)
	return out
}

// Migrate creates the shadow tables and indexes for every registration.
// Existing tables are left alone.
func (r *Registry) Migrate(ctx context.Context, db *gorm.DB) error {
	for _, reg := range r.All() {
		if err := migrateShadow(ctx, db, reg); err != nil {
			return fmt.Errorf("history: migrate %s: %w", reg.shadow.Table, err)
		}
	}
	return nil
}

func (r *Registry) applyTemplates(mt reflect.Type, options *modelOptions) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.templates) == 0 {
		return
	}
	for i := 0; i < mt.NumField(); i++ {
		f := mt.Field(i)
		if !f.Anonymous {
			continue
		}
		base := f.Type
		if base.Kind() == reflect.Ptr {
			base = base.Elem()
		}
		if tpl, ok := r.templates[base]; ok {
			merged := tpl
			merged.inherit = false
			merged.excluded = copySet(tpl.excluded)
			merged.fileFields = copySet(tpl.fileFields)
			merged.orderFields = copySet(tpl.orderFields)
			merged.noDBIndex = copySet(tpl.noDBIndex)
			*options = merged
		}
	}
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func indirectStructType(model any) reflect.Type {
	if model == nil {
		return nil
	}
	t := reflect.TypeOf(model)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	return t
}
