package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	logx "tickhost/pkg/logx"
)

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()

	status := func() any { return map[string]any{"instance_id": "i-1", "functions": 1} }
	srv := httptest.NewServer(Handler(Config{Prefix: "/pp"}, status, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(b))

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "i-1", got["instance_id"])

	resp, err = http.Post(srv.URL+"/status", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/pp/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlerAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(Handler(Config{Token: "s3cret"}, nil, nil))
	defer srv.Close()

	cases := []struct {
		name   string
		url    string
		header string
		want   int
	}{
		{"missing", "/healthz", "", http.StatusUnauthorized},
		{"wrong query", "/healthz?token=nope", "", http.StatusUnauthorized},
		{"query", "/healthz?token=s3cret", "", http.StatusOK},
		{"bearer", "/status", "Bearer s3cret", http.StatusOK},
		{"wrong bearer", "/status", "Bearer x", http.StatusUnauthorized},
		{"basic", "/status", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodGet, srv.URL+tc.url, nil)
		require.NoError(t, err)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err, tc.name)
		resp.Body.Close()
		assert.Equal(t, tc.want, resp.StatusCode, tc.name)
	}
}

func TestStatusIsTraced(t *testing.T) {
	t.Parallel()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv := httptest.NewServer(Handler(Config{}, func() any { return "ok" }, tp))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()

	// The server span ends after the handler returns, possibly after the client read.
	require.Eventually(t, func() bool { return len(rec.Ended()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "diag.status", rec.Ended()[0].Name())
}

func TestNormalizeAndLoopback(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"":              "/debug/pprof/",
		"pp":            "/pp/",
		"/x/y":          "/x/y/",
		" /debug/pp/ ": "/debug/pp/",
	} {
		assert.Equal(t, want, normalizePrefix(in), "prefix %q", in)
	}

	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"garbage":        false,
	} {
		assert.Equal(t, want, isLoopbackAddr(addr), "addr %q", addr)
	}
}

func TestServeRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	err := s.serveOnce(context.Background())
	require.ErrorIs(t, err, errInsecureBind)
}

func TestServiceLifecycle(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, func() any { return "up" }, nil, logx.Nop())
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var addr string
	require.Eventually(t, func() bool {
		addr = s.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
	assert.Empty(t, s.Addr())
}

func TestReconfigureAppliesRuntimeRates(t *testing.T) {
	prev := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		// Avoid leaking profiling knobs across tests.
		runtime.SetMutexProfileFraction(prev)
		runtime.SetBlockProfileRate(0)
	})

	s := New(Config{}, nil, nil, logx.Nop())
	s.Reconfigure(context.Background(), Config{MutexProfileFraction: 5, BlockProfileRate: 1})
	assert.Equal(t, 5, runtime.SetMutexProfileFraction(-1))
	assert.Nil(t, s.Supervisor(), "disabled config must not start the server")
}

func TestStartRefusesInsecureBindWithoutRetry(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	s.Start(context.Background())
	assert.Nil(t, s.Supervisor())

	insecure, err := Config{Addr: "0.0.0.0:0", AllowInsecure: true}.bindCheck()
	require.NoError(t, err)
	assert.True(t, insecure)
	insecure, err = Config{Addr: "0.0.0.0:0", Token: "t"}.bindCheck()
	require.NoError(t, err)
	assert.False(t, insecure)
}

func TestSameServerIgnoresProfilingRates(t *testing.T) {
	t.Parallel()
	base := Config{Enabled: true, Addr: " 127.0.0.1:6060 ", Prefix: "pp"}

	rates := base
	rates.MutexProfileFraction, rates.MemProfileRate = 5, 4096
	assert.True(t, base.sameServer(rates))

	norm := Config{Enabled: true, Addr: "127.0.0.1:6060", Prefix: "/pp/"}
	assert.True(t, base.sameServer(norm))

	moved := base
	moved.Addr = "127.0.0.1:7070"
	assert.False(t, base.sameServer(moved))

	token := base
	token.Token = "new"
	assert.False(t, base.sameServer(token))
}
