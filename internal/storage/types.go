package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNoName   = errors.New("status name required")
)

// Store is the schedule monitor API used by the host.
type Store interface {
	GetStatus(ctx context.Context, name string) (ScheduleStatus, bool, error)
	PutStatus(ctx context.Context, st ScheduleStatus) error
	Close() error
}

// Config selects a backend: "file" (snapshot plus JSONL journal) or
// "sqlite" (modernc.org/sqlite). Empty or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
}

// ScheduleStatus is the persisted monitor record of one function.
type ScheduleStatus struct {
	Name        string    `json:"name"`
	Last        time.Time `json:"last"`
	Next        time.Time `json:"next"`
	LastUpdated time.Time `json:"last_updated"`
}
