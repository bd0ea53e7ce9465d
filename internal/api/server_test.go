package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/annel0/antixray/internal/auth"
	"github.com/annel0/antixray/internal/cache"
	"github.com/annel0/antixray/internal/chunkbuf"
	"github.com/annel0/antixray/internal/generator"
	"github.com/annel0/antixray/internal/level"
	"github.com/annel0/antixray/internal/obfuscator"
	"github.com/annel0/antixray/internal/packet"
	"github.com/annel0/antixray/internal/xray"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genProvider отдаёт сгенерированные чанки с фиксированным счётчиком
type genProvider struct {
	gen   *generator.Generator
	calls int32
}

func (p *genProvider) Chunk(_ context.Context, pos level.ChunkPos) (*level.Snapshot, error) {
	atomic.AddInt32(&p.calls, 1)
	snap := p.gen.Generate(pos)
	snap.Changes = 1
	return snap, nil
}

func (p *genProvider) Changes(level.ChunkPos) (int64, bool) { return 1, true }

type fixture struct {
	server   *Server
	provider *genProvider
	service  *xray.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	analyzer, err := obfuscator.New(obfuscator.Options{
		Filters: []int{1, 2, 3, 7},
		Ores:    []int{14, 15, 16, 21, 56, 73},
		Height:  64,
	})
	require.NoError(t, err)
	enc, err := packet.NewEncoder(6)
	require.NoError(t, err)

	provider := &genProvider{gen: generator.New(7, level.LayoutAnvil)}
	h, err := xray.NewHandler(xray.HandlerConfig{
		World:        "world",
		Provider:     provider,
		Assembler:    chunkbuf.NewAssembler(analyzer, chunkbuf.Options{Workers: 2}),
		Cache:        cache.NewTieredCache("world", nil),
		Encoder:      enc,
		Workers:      2,
		TickInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	svc := xray.NewService()
	require.NoError(t, svc.Register(h))
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		_ = svc.Close()
	})

	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	ops := auth.NewOperators(time.Minute)
	ops.Add("admin", hash, true)
	ops.Add("viewer", hash, false)

	srv := NewServer(Config{
		Service:      svc,
		Operators:    ops,
		Registry:     prometheus.NewRegistry(),
		FetchTimeout: 2 * time.Second,
	})
	return &fixture{server: srv, provider: provider, service: svc}
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) login(t *testing.T, user string) string {
	t.Helper()
	body, _ := json.Marshal(LoginRequest{Username: user, Password: "secret"})
	w := f.do(t, http.MethodPost, "/api/auth/login", "", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Token
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"world"`)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	assert.NotEmpty(t, f.login(t, "admin"))

	body, _ := json.Marshal(LoginRequest{Username: "admin", Password: "nope"})
	w := f.do(t, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/api/auth/login", "", []byte("{"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsRequiresToken(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/stats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/stats", "garbage", nil).Code)

	w := f.do(t, http.MethodGet, "/api/stats", f.login(t, "viewer"), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Worlds []xray.Stats `json:"worlds"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Worlds, 1)
	assert.Equal(t, "world", resp.Data.Worlds[0].World)
	assert.True(t, resp.Data.Worlds[0].Caching)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "viewer")

	w := f.do(t, http.MethodPost, "/api/admin/worlds/world/chunks/0/0/invalidate", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestFetchChunk(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin")

	w := f.do(t, http.MethodGet, "/api/admin/worlds/world/chunks/3/-2", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "true", w.Header().Get("X-Antixray-Batched"))

	pos, payload, err := packet.Decode(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, level.ChunkPos{X: 3, Z: -2}, pos)
	assert.NotEmpty(t, payload)

	// второй запрос обслуживается из кеша
	w = f.do(t, http.MethodGet, "/api/admin/worlds/world/chunks/3/-2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.provider.calls))
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin")

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/admin/worlds/world/chunks/1/1", token, nil).Code)

	w := f.do(t, http.MethodPost, "/api/admin/worlds/world/chunks/1/1/invalidate", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/admin/worlds/world/chunks/1/1", token, nil).Code)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.provider.calls))
}

func TestResolveChunkErrors(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "admin")

	assert.Equal(t, http.StatusNotFound,
		f.do(t, http.MethodGet, "/api/admin/worlds/nether/chunks/0/0", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/api/admin/worlds/world/chunks/x/0", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodGet, "/api/admin/worlds/world/chunks/0/99999999999", token, nil).Code)
}
