// Package log is the engine's structured logging layer over zerolog. Instead
// of a family of per-field helpers, packages describe what an operation is
// acting on with a Scope — a table, one partition of it, a session, or a
// federation party — and log through the child logger that Scope builds.
// Zero-valued Scope fields stay out of the output, so one type serves every
// package.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the process-wide log level and output. Level accepts
// zerolog's level names ("debug", "info", "warn", "error", ...); anything
// unrecognized, including the empty string, falls back to info. A nil Output
// writes to stderr. JSON selects machine-readable output over the
// human-oriented console format.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

var logger = newLogger(Config{})

// Init reconfigures the process-wide logger. Safe to call more than once;
// workers spawned by pkg/worker inherit whatever configuration their
// embedding application applied before re-exec only if that application
// calls Init on its own startup path, since a re-exec'd process starts from
// the default again.
func Init(cfg Config) {
	logger = newLogger(cfg)
}

func newLogger(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Debug, Info, Warn, and Error start an unscoped event on the process-wide
// logger, for messages that aren't about any one table, session, or party.
func Debug() *zerolog.Event { return logger.Debug() }
func Info() *zerolog.Event  { return logger.Info() }
func Warn() *zerolog.Event  { return logger.Warn() }
func Error() *zerolog.Event { return logger.Error() }

// Scope identifies what an engine operation is acting on. Build one with the
// constructors below rather than literally: Partition's zero value would
// otherwise be indistinguishable from partition 0.
type Scope struct {
	Session   string
	Namespace string
	Table     string
	Partition int
	Role      string
	PartyID   string
}

// ForTable scopes to a whole (namespace, name) table.
func ForTable(namespace, name string) Scope {
	return Scope{Namespace: namespace, Table: name, Partition: -1}
}

// ForPartition scopes to one partition of a table.
func ForPartition(namespace, name string, partition int) Scope {
	return Scope{Namespace: namespace, Table: name, Partition: partition}
}

// ForSession scopes to a session id, the namespace its tables default to.
func ForSession(id string) Scope {
	return Scope{Session: id, Partition: -1}
}

// ForParty scopes to one federation endpoint within a session.
func ForParty(session, role, partyID string) Scope {
	return Scope{Session: session, Role: role, PartyID: partyID, Partition: -1}
}

// Logger builds a child logger carrying the scope's non-zero fields.
func (s Scope) Logger() zerolog.Logger {
	ctx := logger.With()
	if s.Session != "" {
		ctx = ctx.Str("session_id", s.Session)
	}
	if s.Namespace != "" {
		ctx = ctx.Str("namespace", s.Namespace)
	}
	if s.Table != "" {
		ctx = ctx.Str("table", s.Table)
	}
	if s.Partition >= 0 {
		ctx = ctx.Int("partition", s.Partition)
	}
	if s.Role != "" {
		ctx = ctx.Str("party_role", s.Role)
	}
	if s.PartyID != "" {
		ctx = ctx.Str("party_id", s.PartyID)
	}
	return ctx.Logger()
}

// Debug, Info, Warn, and Error start an event on the scope's child logger,
// so call sites read log.ForTable(ns, name).Warn()...
func (s Scope) Debug() *zerolog.Event { l := s.Logger(); return l.Debug() }
func (s Scope) Info() *zerolog.Event  { l := s.Logger(); return l.Info() }
func (s Scope) Warn() *zerolog.Event  { l := s.Logger(); return l.Warn() }
func (s Scope) Error() *zerolog.Event { l := s.Logger(); return l.Error() }
