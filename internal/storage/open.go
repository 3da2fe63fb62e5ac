package storage

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	logx "tickhost/pkg/logx"
)

type opener func(cfg Config, log logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Drivers lists the accepted driver names.
func Drivers() []string {
	return slices.Sorted(maps.Keys(drivers))
}

// Open returns the configured store, or (nil, nil) when storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q (want one of %s)", cfg.Driver, strings.Join(Drivers(), ", "))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log.With(logx.String("driver", name)))
}
