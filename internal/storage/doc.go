// Package storage persists host-owned schedule status (the schedule monitor).
//
// The host records the last and next slot of each monitored function after
// every scheduled run, and reads it back to detect slots missed while the
// process was down. Functions never touch this store.
package storage
