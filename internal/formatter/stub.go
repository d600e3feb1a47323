//go:build no_formatter

package formatter

import (
	"errors"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a single format call.
const DefaultTimeout = time.Second

// ErrNoFormat is returned when a script does not define format.
var ErrNoFormat = errors.New("script does not define format(data)")

var errDisabled = errors.New("formatter disabled")

// Option configures a Lua formatter.
type Option func(*Lua)

// WithTimeout is a no-op.
func WithTimeout(_ time.Duration) Option { return func(*Lua) {} }

// WithPort is a no-op.
func WithPort(_ string) Option { return func(*Lua) {} }

// Lua is a no-op stub when the formatter is disabled.
type Lua struct{}

// Load fails when the formatter is disabled.
func Load(_ string, _ *slog.Logger, _ ...Option) (*Lua, error) { return nil, errDisabled }

// New fails when the formatter is disabled.
func New(_ string, _ *slog.Logger, _ ...Option) (*Lua, error) { return nil, errDisabled }

// Format passes data through.
func (f *Lua) Format(data []byte) ([]byte, bool, error) { return data, true, nil }

// Close is a no-op.
func (f *Lua) Close() {}
