// Package logx is proxybot's structured logging layer.
//
// Logger wraps zerolog with field helpers and fixed per-component fields.
// Service owns the live sinks:
//   - console (human readable, short caller)
//   - file (JSON lines, append mode)
//   - Telegram log chat (min-level filtered, rate limited, never blocks)
package logx
