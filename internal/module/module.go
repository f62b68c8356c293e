// Package module defines the plug-in contract for strategy modules and the
// registry that owns their lifecycle.
package module

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"context"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrDuplicateModule = errors.New("module already registered")
	ErrModuleNotFound  = errors.New("module not found")
)

// Core is what the runtime hands to every module on Initialize.
type Core interface {
	Bus() *eventbus.Bus
	Gateway() exchange.Gateway
	Config() *models.Config
	Logger() *zap.Logger
}

// Module is a pluggable strategy hosted by the runtime.
type Module interface {
	ID() string
	Name() string
	Initialize(ctx context.Context, core Core) error
	Cleanup(ctx context.Context) error
	RegisterAPIEndpoints(r gin.IRouter)
}

// RoutePrefixer lets a module mount its endpoints under a path other than its id.
type RoutePrefixer interface {
	RoutePrefix() string
}

type runtimeCore struct {
	bus    *eventbus.Bus
	gw     exchange.Gateway
	cfg    *models.Config
	logger *zap.Logger
}

// NewCore bundles the shared runtime services.
func NewCore(bus *eventbus.Bus, gw exchange.Gateway, cfg *models.Config, logger *zap.Logger) Core {
	return &runtimeCore{bus: bus, gw: gw, cfg: cfg, logger: logger}
}

func (c *runtimeCore) Bus() *eventbus.Bus        { return c.bus }
func (c *runtimeCore) Gateway() exchange.Gateway { return c.gw }
func (c *runtimeCore) Config() *models.Config    { return c.cfg }
func (c *runtimeCore) Logger() *zap.Logger       { return c.logger }

// Registry keeps modules keyed by id, in registration order.
type Registry struct {
	mu          sync.Mutex
	modules     map[string]Module
	order       []string
	initialized []string
	logger      *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		modules: make(map[string]Module),
		logger:  logger.Named("modules"),
	}
}

// Register adds m. A second module with the same id is rejected.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := m.ID()
	if id == "" {
		return errors.New("module id is empty")
	}
	if _, ok := r.modules[id]; ok {
		return errors.Wrapf(ErrDuplicateModule, "%s", id)
	}
	r.modules[id] = m
	r.order = append(r.order, id)
	r.logger.Info("module registered", zap.String("module", id), zap.String("name", m.Name()))
	return nil
}

// Get returns the module registered under id.
func (r *Registry) Get(id string) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[id]
	return m, ok
}

// IDs returns the registered ids sorted alphabetically.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// InitializeAll initializes modules in registration order and stops at the
// first failure. Modules initialized before the failure stay registered for
// CleanupAll.
func (r *Registry) InitializeAll(ctx context.Context, core Core) error {
	r.mu.Lock()
	pending := make([]Module, 0, len(r.order))
	for _, id := range r.order {
		if !contains(r.initialized, id) {
			pending = append(pending, r.modules[id])
		}
	}
	r.mu.Unlock()

	for _, m := range pending {
		if err := m.Initialize(ctx, core); err != nil {
			return errors.Wrapf(err, "initialize module %s", m.ID())
		}
		r.mu.Lock()
		r.initialized = append(r.initialized, m.ID())
		r.mu.Unlock()
		r.logger.Info("module initialized", zap.String("module", m.ID()))
	}
	return nil
}

// CleanupAll cleans up initialized modules in reverse order. Every module is
// given the chance to clean up; the errors are combined.
func (r *Registry) CleanupAll(ctx context.Context) error {
	r.mu.Lock()
	ids := r.initialized
	r.initialized = nil
	mods := make([]Module, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		mods = append(mods, r.modules[ids[i]])
	}
	r.mu.Unlock()

	var err error
	for _, m := range mods {
		if cerr := m.Cleanup(ctx); cerr != nil {
			r.logger.Error("module cleanup failed", zap.String("module", m.ID()), zap.Error(cerr))
			err = multierr.Append(err, errors.Wrapf(cerr, "cleanup module %s", m.ID()))
			continue
		}
		r.logger.Info("module cleaned up", zap.String("module", m.ID()))
	}
	return err
}

// Unregister cleans up and removes a single module.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.modules[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrModuleNotFound, "%s", id)
	}
	wasInitialized := contains(r.initialized, id)
	delete(r.modules, id)
	r.order = remove(r.order, id)
	r.initialized = remove(r.initialized, id)
	r.mu.Unlock()

	if wasInitialized {
		return errors.Wrapf(m.Cleanup(ctx), "cleanup module %s", id)
	}
	return nil
}

// MountRoutes gives every module its own group under /api/<prefix>.
func (r *Registry) MountRoutes(router gin.IRouter) {
	r.mu.Lock()
	mods := make([]Module, 0, len(r.order))
	for _, id := range r.order {
		mods = append(mods, r.modules[id])
	}
	r.mu.Unlock()

	for _, m := range mods {
		prefix := m.ID()
		if p, ok := m.(RoutePrefixer); ok && p.RoutePrefix() != "" {
			prefix = p.RoutePrefix()
		}
		m.RegisterAPIEndpoints(router.Group("/api/" + prefix))
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
