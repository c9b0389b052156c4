// Package log defines the minimal structured logging contract used across
// eventflow components, with typed fields and a no-op fallback. Concrete
// backends live in sibling packages (see zap).
package log
