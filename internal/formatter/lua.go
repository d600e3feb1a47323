//go:build !no_formatter

// Package formatter rewrites scan data with a user Lua script before it is
// published. The script defines a global function:
//
//	function format(data, info)
//	  return data
//	end
//
// Returning a string publishes it instead of the scan. Returning true
// publishes the scan unchanged; nil or false drops it.
package formatter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds a single format call.
const DefaultTimeout = time.Second

// ErrNoFormat is returned when a script does not define format.
var ErrNoFormat = errors.New("script does not define format(data)")

// Option configures a Lua formatter.
type Option func(*Lua)

// WithTimeout sets the per-call execution limit.
func WithTimeout(d time.Duration) Option {
	return func(f *Lua) { f.timeout = d }
}

// WithPort sets the port name passed to the script as info.port.
func WithPort(port string) Option {
	return func(f *Lua) { f.port = port }
}

// Lua is a sandboxed VM holding one format script. Calls are serialized.
type Lua struct {
	mu      sync.Mutex
	state   *lua.LState
	fn      *lua.LFunction
	timeout time.Duration
	port    string
	logger  *slog.Logger
}

// Load reads the script at path and compiles it.
func Load(path string, logger *slog.Logger, opts ...Option) (*Lua, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read format script: %w", err)
	}
	return New(string(code), logger, opts...)
}

// New runs code in a fresh sandbox and looks up its format function.
func New(code string, logger *slog.Logger, opts ...Option) (*Lua, error) {
	f := &Lua{
		timeout: DefaultTimeout,
		logger:  logger.With("component", "formatter"),
	}
	for _, opt := range opts {
		opt(f)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	f.registerScannerModule(L)

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	L.SetContext(ctx)
	err := L.DoString(code)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("load format script: %w", timeoutError(err, f.timeout))
	}

	fn, ok := L.GetGlobal("format").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, ErrNoFormat
	}
	f.state = L
	f.fn = fn
	return f, nil
}

// registerScannerModule registers the `scanner` global table.
func (f *Lua) registerScannerModule(L *lua.LState) {
	mod := L.NewTable()

	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		f.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))

	mod.RawSetString("hex", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(strings.ToUpper(hex.EncodeToString([]byte(L.CheckString(1))))))
		return 1
	}))

	mod.RawSetString("unhex", L.NewFunction(func(L *lua.LState) int {
		b, err := hex.DecodeString(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(b))
		return 1
	}))

	L.SetGlobal("scanner", mod)
}

// Format calls the script's format function on data. It matches
// events.Transform.
func (f *Lua) Format(data []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return nil, false, errors.New("formatter closed")
	}
	L := f.state

	info := L.NewTable()
	info.RawSetString("port", lua.LString(f.port))
	info.RawSetString("length", lua.LNumber(len(data)))
	info.RawSetString("hex", lua.LString(fmt.Sprintf("%X", data)))

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	if err := L.CallByParam(lua.P{
		Fn:      f.fn,
		NRet:    1,
		Protect: true,
	}, lua.LString(data), info); err != nil {
		return nil, false, fmt.Errorf("format: %w", timeoutError(err, f.timeout))
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch v := ret.(type) {
	case lua.LString:
		return []byte(v), true, nil
	case lua.LBool:
		if v {
			return data, true, nil
		}
		return nil, false, nil
	case *lua.LNilType:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("format: unexpected %s result", ret.Type())
	}
}

// Close releases the VM.
func (f *Lua) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != nil {
		f.state.Close()
		f.state = nil
	}
}

func timeoutError(err error, limit time.Duration) error {
	if strings.Contains(err.Error(), "context deadline exceeded") {
		return fmt.Errorf("timeout (%s)", limit)
	}
	return err
}
