// Package device is the synchronous command API to one scanner. A background
// reader forwards scan data to Data while no command is running; commands
// suspend that routing and talk to the scanner one at a time.
package device

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scantool/internal/protocol"
	"scantool/internal/reassembly"
	"scantool/internal/store"
	"scantool/internal/transport"
)

// Version is the host protocol version reported to clients.
const Version = "V1.00.13"

const (
	readTimeout    = 20 * time.Millisecond
	settleDelay    = 30 * time.Millisecond
	drainQuiet     = 20 * time.Millisecond
	recvBufferSize = 4096

	cmdQueueSize  = 256
	plugQueueSize = 8

	minBackoff = 10 * time.Millisecond
	maxBackoff = 5 * time.Second
)

var (
	// ErrNotOpen is returned by commands issued while the session is closed.
	ErrNotOpen = fmt.Errorf("%w: session not open", protocol.ErrDeviceNotExist)
	// ErrDisconnected is returned by commands issued while the reader is
	// waiting for a lost device to return.
	ErrDisconnected = fmt.Errorf("%w: device disconnected", ErrNotOpen)
)

// PlugEvent reports the scanner disappearing from or returning to its port.
type PlugEvent struct {
	Port    string    `json:"port"`
	Plugged bool      `json:"plugged"`
	Time    time.Time `json:"time"`
}

// Journal records firmware update runs.
type Journal interface {
	SaveUpdate(rec *store.UpdateRecord) error
}

// Option configures a Device.
type Option func(*Device)

// WithJournal records every UpdateFirmware run in j.
func WithJournal(j Journal) Option {
	return func(d *Device) { d.journal = j }
}

// WithSettle overrides the delay between suspending routing and the first
// command byte.
func WithSettle(delay time.Duration) Option {
	return func(d *Device) { d.settle = delay }
}

// WithReassembly passes options to the scan data reassembler.
func WithReassembly(opts ...reassembly.Option) Option {
	return func(d *Device) { d.reOpts = append(d.reOpts, opts...) }
}

// Device is one scanner session.
type Device struct {
	tr      transport.Transport
	port    string
	enc     reassembly.Encoding
	logger  *slog.Logger
	journal Journal
	settle  time.Duration
	reOpts  []reassembly.Option

	re      *reassembly.Reassembler
	routing atomic.Bool
	cmdCh   chan []byte
	plugCh  chan PlugEvent

	// portMu serializes transport reads with open, close and baud changes.
	portMu sync.Mutex
	// cmdMu makes commands mutually exclusive.
	cmdMu sync.Mutex

	lifecycleMu sync.Mutex
	done        chan struct{}
	wg          sync.WaitGroup
}

// New creates a closed session on tr. port names the device node in logs
// and events.
func New(tr transport.Transport, port string, logger *slog.Logger, opts ...Option) *Device {
	d := &Device{
		tr:     tr,
		port:   port,
		logger: logger.With("component", "device", "port", port),
		settle: settleDelay,
		cmdCh:  make(chan []byte, cmdQueueSize),
		plugCh: make(chan PlugEvent, plugQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.enc = reassembly.Raw
	reOpts := []reassembly.Option{}
	switch {
	case tr.Kind().Tagged():
		d.enc = reassembly.Tagged
	case tr.Kind() == transport.UART:
		// A UART read is not bounded by a USB packet.
		reOpts = append(reOpts, reassembly.WithPacketSize(0))
	}
	d.re = reassembly.New(d.enc, logger, append(reOpts, d.reOpts...)...)
	return d
}

// Port returns the device node name.
func (d *Device) Port() string { return d.port }

// Kind returns the transport kind.
func (d *Device) Kind() transport.Kind { return d.tr.Kind() }

// Data delivers reassembled scan data.
func (d *Device) Data() <-chan []byte { return d.re.Messages() }

// PlugEvents delivers unplug and replug notifications. Events are dropped
// when nobody is listening.
func (d *Device) PlugEvents() <-chan PlugEvent { return d.plugCh }

// Open opens the transport and starts the background reader.
func (d *Device) Open() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.done != nil {
		return nil
	}

	d.portMu.Lock()
	err := d.tr.Open()
	d.portMu.Unlock()
	if err != nil {
		return fmt.Errorf("device: %w: %w", openKind(err), err)
	}

	d.done = make(chan struct{})
	d.routing.Store(true)
	d.wg.Add(1)
	go d.readLoop(d.done)
	d.logger.Info("device opened", "transport", d.tr.Kind())
	return nil
}

// Close stops the reader, closes the transport and drops buffered data.
func (d *Device) Close() error {
	d.lifecycleMu.Lock()
	done := d.done
	d.done = nil
	d.lifecycleMu.Unlock()
	if done == nil {
		return nil
	}

	close(done)
	d.wg.Wait()

	d.portMu.Lock()
	err := d.tr.Close()
	d.portMu.Unlock()

	d.re.Reset()
	d.clearQueue()
	d.logger.Info("device closed")
	return err
}

// IsOpen reports whether the session is open and the transport connected.
func (d *Device) IsOpen() bool {
	return d.running() != nil && d.tr.IsOpen()
}

func (d *Device) running() chan struct{} {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	return d.done
}

func (d *Device) readLoop(done <-chan struct{}) {
	defer d.wg.Done()

	size := reassembly.PacketSize
	if d.tr.Kind() == transport.UART {
		size = recvBufferSize
	}
	buf := make([]byte, size)
	backoff := minBackoff
	plugged := true

	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := d.readPacket(buf)
		if err != nil {
			if plugged {
				plugged = false
				d.logger.Warn("device read failed, waiting for it to return", "err", err)
				d.emitPlug(false)
			}
			select {
			case <-time.After(backoff):
			case <-done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff
		if !plugged {
			plugged = true
			d.logger.Info("device reconnected")
			d.emitPlug(true)
		}
		if n > 0 {
			d.dispatch(bytes.Clone(buf[:n]))
		}
	}
}

// readPacket reads one fragment, reopening the transport first if a
// previous read lost it.
func (d *Device) readPacket(buf []byte) (int, error) {
	d.portMu.Lock()
	defer d.portMu.Unlock()
	if !d.tr.IsOpen() {
		if err := d.tr.Open(); err != nil {
			return 0, err
		}
	}
	n, err := d.tr.ReadPacket(buf, readTimeout)
	if err != nil {
		_ = d.tr.Close()
		return 0, err
	}
	return n, nil
}

func (d *Device) dispatch(fragment []byte) {
	if d.routing.Load() {
		d.re.Push(fragment)
		return
	}
	for {
		select {
		case d.cmdCh <- fragment:
			return
		default:
		}
		select {
		case <-d.cmdCh:
			d.logger.Warn("command queue full, dropped oldest fragment")
		default:
		}
	}
}

func (d *Device) emitPlug(plugged bool) {
	ev := PlugEvent{Port: d.port, Plugged: plugged, Time: time.Now()}
	select {
	case d.plugCh <- ev:
	default:
		d.logger.Debug("plug event dropped", "plugged", plugged)
	}
}

func (d *Device) clearQueue() {
	for {
		select {
		case <-d.cmdCh:
		default:
			return
		}
	}
}

// exchange runs fn with routing suspended: fragments go to the command
// queue instead of Data for its duration.
func (d *Device) exchange(fn func(l *cmdLink) error) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	done, err := d.session()
	if err != nil {
		return err
	}

	d.routing.Store(false)
	defer func() {
		d.clearQueue()
		d.routing.Store(true)
	}()
	time.Sleep(d.settle)

	l := &cmdLink{d: d, done: done}
	if err := protocol.Drain(l, drainQuiet); err != nil {
		return fmt.Errorf("drain: %w: %w", protocol.ErrCommunication, err)
	}
	return fn(l)
}

// session returns the reader's stop channel if the session is open and the
// transport connected.
func (d *Device) session() (chan struct{}, error) {
	done := d.running()
	if done == nil {
		return nil, ErrNotOpen
	}
	d.portMu.Lock()
	connected := d.tr.IsOpen()
	d.portMu.Unlock()
	if !connected {
		return nil, ErrDisconnected
	}
	return done, nil
}

func openKind(err error) error {
	switch {
	case errors.Is(err, transport.ErrNotFound):
		return protocol.ErrDeviceNotExist
	case errors.Is(err, transport.ErrPermission), errors.Is(err, transport.ErrBusy):
		return protocol.ErrDeviceAccessDenied
	default:
		return protocol.ErrCommunication
	}
}
