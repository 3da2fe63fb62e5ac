// Package logx is tickhost's structured logger: a thin value-typed wrapper
// over zerolog with readable console output, JSON file output, short
// file:line callers and an Emit path that surfaces sink write errors.
package logx
