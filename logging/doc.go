// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a richer PhaseMeshLogger with contextual
// helpers (run, phase, component) and domain specific logging helpers for
// agents and phase executions.
package logging
