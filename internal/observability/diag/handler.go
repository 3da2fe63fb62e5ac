package diag

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// StatusFunc returns the value served as JSON on /status.
type StatusFunc func() any

// Handler builds the diagnostics mux:
//
//	/healthz         liveness, "ok"
//	/status          JSON status document
//	<prefix>...      net/http/pprof
//
// Every route requires the token when one is set. tp traces /status; nil
// disables tracing.
func Handler(cfg Config, status StatusFunc, tp trace.TracerProvider) http.Handler {
	prefix := normalizePrefix(cfg.Prefix)
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	var st http.Handler = wrap(statusHandler(status))
	if tp != nil {
		st = otelhttp.NewHandler(st, "diag.status", otelhttp.WithTracerProvider(tp))
	}
	mux.Handle("/status", st)

	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

func statusHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var v any = struct{}{}
		if status != nil {
			v = status()
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
	}
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

// pprof.Index assumes requests are rooted at /debug/pprof/; rewrite the path
// so custom prefixes work.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		suffix := strings.TrimPrefix(r.URL.Path, prefix)
		r2 := r.Clone(r.Context())
		r2.URL.Path = defaultPrefix + suffix
		hpprof.Index(w, r2)
	}
}
