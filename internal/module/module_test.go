package module

import (
	"adaptive-grid-go/internal/eventbus"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// journal 记录各模块生命周期调用的顺序
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, s)
}

type stubModule struct {
	id         string
	prefix     string
	initErr    error
	cleanupErr error
	log        *journal
	core       Core
}

func (m *stubModule) ID() string          { return m.id }
func (m *stubModule) Name() string        { return "stub " + m.id }
func (m *stubModule) RoutePrefix() string { return m.prefix }

func (m *stubModule) Initialize(ctx context.Context, core Core) error {
	m.log.add("init:" + m.id)
	m.core = core
	return m.initErr
}

func (m *stubModule) Cleanup(ctx context.Context) error {
	m.log.add("cleanup:" + m.id)
	return m.cleanupErr
}

func (m *stubModule) RegisterAPIEndpoints(r gin.IRouter) {
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, m.id) })
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	log := &journal{}
	require.NoError(t, r.Register(&stubModule{id: "b", log: log}))
	require.NoError(t, r.Register(&stubModule{id: "a", log: log}))

	err := r.Register(&stubModule{id: "a", log: log})
	assert.True(t, errors.Is(err, ErrDuplicateModule))
	assert.Error(t, r.Register(&stubModule{log: log}))

	assert.Equal(t, []string{"a", "b"}, r.IDs())
	m, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "stub b", m.Name())
	_, ok = r.Get("c")
	assert.False(t, ok)
}

func TestRegistry_LifecycleOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	log := &journal{}
	first := &stubModule{id: "first", log: log}
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(&stubModule{id: "second", log: log}))

	core := NewCore(eventbus.New(zap.NewNop()), nil, nil, zap.NewNop())
	require.NoError(t, r.InitializeAll(context.Background(), core))
	require.NoError(t, r.CleanupAll(context.Background()))

	assert.Equal(t, []string{"init:first", "init:second", "cleanup:second", "cleanup:first"}, log.calls)
	assert.Same(t, core, first.core)

	// 已清理的模块不会被再次清理
	require.NoError(t, r.CleanupAll(context.Background()))
	assert.Len(t, log.calls, 4)
}

func TestRegistry_InitializeStopsAtFirstFailure(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	log := &journal{}
	require.NoError(t, r.Register(&stubModule{id: "ok", log: log}))
	require.NoError(t, r.Register(&stubModule{id: "broken", log: log, initErr: errors.New("boom")}))
	require.NoError(t, r.Register(&stubModule{id: "never", log: log}))

	err := r.InitializeAll(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	require.NoError(t, r.CleanupAll(context.Background()))
	assert.Equal(t, []string{"init:ok", "init:broken", "cleanup:ok"}, log.calls)
}

func TestRegistry_CleanupAggregatesErrors(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	log := &journal{}
	require.NoError(t, r.Register(&stubModule{id: "a", log: log, cleanupErr: errors.New("a failed")}))
	require.NoError(t, r.Register(&stubModule{id: "b", log: log}))
	require.NoError(t, r.Register(&stubModule{id: "c", log: log, cleanupErr: errors.New("c failed")}))
	require.NoError(t, r.InitializeAll(context.Background(), nil))

	err := r.CleanupAll(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Equal(t, []string{"cleanup:c", "cleanup:b", "cleanup:a"}, log.calls[3:])
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	log := &journal{}
	require.NoError(t, r.Register(&stubModule{id: "a", log: log}))
	require.NoError(t, r.InitializeAll(context.Background(), nil))

	require.NoError(t, r.Unregister(context.Background(), "a"))
	assert.Equal(t, []string{"init:a", "cleanup:a"}, log.calls)
	assert.Empty(t, r.IDs())
	assert.True(t, errors.Is(r.Unregister(context.Background(), "a"), ErrModuleNotFound))
}

func TestRegistry_MountRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRegistry(zap.NewNop())
	log := &journal{}
	require.NoError(t, r.Register(&stubModule{id: "adaptive-smart-grid", prefix: "adaptive-grid", log: log}))
	require.NoError(t, r.Register(&stubModule{id: "other", log: log}))

	engine := gin.New()
	r.MountRoutes(engine)

	for path, want := range map[string]string{
		"/api/adaptive-grid/ping": "adaptive-smart-grid",
		"/api/other/ping":         "other",
	} {
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, want, w.Body.String())
	}
}
