package diag

import (
	"errors"
	"net"
	"runtime"
	"strings"
	"time"
)

const (
	defaultAddr   = "127.0.0.1:6060"
	defaultPrefix = "/debug/pprof/"
)

var errInsecureBind = errors.New("diag refused to start: non-loopback addr requires token or allow_insecure")

// Config controls the optional diagnostics server. It binds to loopback by
// default; any other address needs a Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string // pprof mount point
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Profiling knobs; 0 keeps the runtime default.
	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

func (c Config) normalized() Config {
	if c.Addr = strings.TrimSpace(c.Addr); c.Addr == "" {
		c.Addr = defaultAddr
	}
	c.Prefix = normalizePrefix(c.Prefix)
	c.Token = strings.TrimSpace(c.Token)
	return c
}

// sameServer reports whether a running server for c can keep serving o.
// Profiling rates apply live and never force a rebind.
func (c Config) sameServer(o Config) bool {
	a, b := c.normalized(), o.normalized()
	a.MutexProfileFraction, a.BlockProfileRate, a.MemProfileRate = 0, 0, 0
	b.MutexProfileFraction, b.BlockProfileRate, b.MemProfileRate = 0, 0, 0
	return a == b
}

// bindCheck refuses a tokenless server on a non-loopback address. insecure
// reports a tokenless non-loopback bind that AllowInsecure let through.
func (c Config) bindCheck() (insecure bool, err error) {
	if c.Token != "" || isLoopbackAddr(c.Addr) {
		return false, nil
	}
	if !c.AllowInsecure {
		return false, errInsecureBind
	}
	return true, nil
}

func (c Config) applyRates() {
	if c.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(c.MutexProfileFraction)
	}
	if c.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(c.BlockProfileRate)
	}
	if c.MemProfileRate > 0 {
		runtime.MemProfileRate = c.MemProfileRate
	}
}

func normalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return defaultPrefix
	}
	return "/" + p + "/"
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
