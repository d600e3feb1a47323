package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"scantool/internal/device"
)

// Source is a scanner session producing scan data and plug changes.
type Source interface {
	Port() string
	Data() <-chan []byte
	PlugEvents() <-chan device.PlugEvent
}

// Transform rewrites scan data before it is published. Returning keep ==
// false suppresses the scan.
type Transform func(data []byte) (out []byte, keep bool, err error)

// PumpOption configures a Pump.
type PumpOption func(*Pump)

// WithTransform sets the scan data rewrite hook.
func WithTransform(fn Transform) PumpOption {
	return func(p *Pump) { p.transform = fn }
}

// Pump moves device channels onto the bus.
type Pump struct {
	src       Source
	bus       *Bus
	transform Transform
	logger    *slog.Logger
}

// NewPump creates a pump from src to bus.
func NewPump(src Source, bus *Bus, logger *slog.Logger, opts ...PumpOption) *Pump {
	p := &Pump{
		src:    src,
		bus:    bus,
		logger: logger.With("component", "pump"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run forwards events until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) {
	data := p.src.Data()
	plugs := p.src.PlugEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-data:
			p.scan(msg)
		case ev := <-plugs:
			p.bus.Emit(Event{Type: TypePlug, Data: ev})
		}
	}
}

func (p *Pump) scan(msg []byte) {
	out := msg
	if p.transform != nil {
		rewritten, keep, err := p.transform(msg)
		switch {
		case err != nil:
			p.logger.Warn("scan transform failed, publishing raw data", "err", err)
		case !keep:
			p.logger.Debug("scan suppressed by transform", "raw", fmt.Sprintf("%X", msg))
			return
		default:
			out = rewritten
		}
	}
	p.bus.Emit(Event{Type: TypeScan, Data: Scan{
		Port: p.src.Port(),
		Data: string(out),
		Raw:  fmt.Sprintf("%X", msg),
		Time: time.Now(),
	}})
}
