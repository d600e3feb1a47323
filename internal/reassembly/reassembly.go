// Package reassembly coalesces the small fragments delivered by USB
// endpoints into logical messages. A message ends when no fragment has
// arrived for a short debounce window or when the fragment cap is reached.
package reassembly

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Encoding selects how a fragment carries its payload.
type Encoding int

const (
	// Raw fragments are payload in full (CDC, UART).
	Raw Encoding = iota
	// Tagged fragments are HID reports: [kind][length][payload <= 62][padding].
	Tagged
)

func (e Encoding) String() string {
	if e == Tagged {
		return "tagged"
	}
	return "raw"
}

const (
	// PacketSize is the USB endpoint packet size.
	PacketSize = 64
	// TaggedCapacity is the payload room in one tagged report.
	TaggedCapacity = PacketSize - 2
	// MaxFragments caps the fragments buffered for one message.
	MaxFragments = 64

	// KindCommand marks a tagged report carrying a command response.
	KindCommand byte = 0x02

	RawWindow    = 20 * time.Millisecond
	TaggedWindow = 50 * time.Millisecond

	defaultQueue = 16
)

var (
	ErrOversize  = errors.New("fragment exceeds packet size")
	ErrBadLength = errors.New("fragment length exceeds capacity")
	ErrWrongKind = errors.New("unexpected report kind")
)

// Payload returns the payload bytes of one fragment. maxPacket bounds raw
// fragments; zero disables the check.
func (e Encoding) Payload(fragment []byte, maxPacket int) ([]byte, error) {
	if e == Raw {
		if maxPacket > 0 && len(fragment) > maxPacket {
			return nil, fmt.Errorf("%w: %d bytes", ErrOversize, len(fragment))
		}
		return fragment, nil
	}
	if len(fragment) < 2 {
		return nil, fmt.Errorf("%w: %d byte report", ErrBadLength, len(fragment))
	}
	n := int(fragment[1])
	if n > TaggedCapacity || 2+n > len(fragment) {
		return nil, fmt.Errorf("%w: declared %d in %d byte report", ErrBadLength, n, len(fragment))
	}
	return fragment[2 : 2+n], nil
}

// CommandPayload is Payload for the command path: tagged reports must also
// be of kind KindCommand.
func (e Encoding) CommandPayload(fragment []byte, maxPacket int) ([]byte, error) {
	if e == Tagged && len(fragment) > 0 && fragment[0] != KindCommand {
		return nil, fmt.Errorf("%w: 0x%02X", ErrWrongKind, fragment[0])
	}
	return e.Payload(fragment, maxPacket)
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithWindow overrides the debounce window.
func WithWindow(d time.Duration) Option {
	return func(r *Reassembler) { r.window = d }
}

// WithPacketSize bounds raw fragments; zero disables the check.
func WithPacketSize(n int) Option {
	return func(r *Reassembler) { r.maxPacket = n }
}

// WithQueue sets how many completed messages may wait for a consumer.
func WithQueue(n int) Option {
	return func(r *Reassembler) { r.queue = n }
}

// Reassembler buffers fragments and emits whole messages on Messages.
// Push never blocks; when consumers fall behind the oldest queued message
// is dropped.
type Reassembler struct {
	enc       Encoding
	window    time.Duration
	maxPacket int
	queue     int
	logger    *slog.Logger

	mu      sync.Mutex
	pending [][]byte
	timer   *time.Timer
	gen     uint64

	out     chan []byte
	dropped atomic.Uint64
}

// New creates a reassembler for enc. The window defaults to 20 ms for raw
// and 50 ms for tagged fragments.
func New(enc Encoding, logger *slog.Logger, opts ...Option) *Reassembler {
	r := &Reassembler{
		enc:       enc,
		window:    RawWindow,
		maxPacket: PacketSize,
		queue:     defaultQueue,
		logger:    logger.With("component", "reassembly"),
	}
	if enc == Tagged {
		r.window = TaggedWindow
	}
	for _, opt := range opts {
		opt(r)
	}
	r.out = make(chan []byte, max(r.queue, 1))
	return r
}

// Messages delivers reassembled messages in arrival order.
func (r *Reassembler) Messages() <-chan []byte {
	return r.out
}

// Dropped returns how many messages were discarded on overflow.
func (r *Reassembler) Dropped() uint64 {
	return r.dropped.Load()
}

// Push adds one raw fragment. A malformed fragment is rejected and the
// message being assembled is discarded with it.
func (r *Reassembler) Push(fragment []byte) {
	payload, err := r.enc.Payload(fragment, r.maxPacket)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.logger.Warn("fragment rejected", "encoding", r.enc, "err", err, "pending", len(r.pending))
		r.discardLocked()
		return
	}
	if len(payload) == 0 {
		return
	}

	r.pending = append(r.pending, append([]byte(nil), payload...))
	if len(r.pending) >= MaxFragments {
		r.flushLocked()
		return
	}

	r.gen++
	gen := r.gen
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.window, func() { r.expire(gen) })
}

// Flush emits whatever is buffered without waiting for the window.
func (r *Reassembler) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Reset drops buffered fragments and queued messages.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	r.discardLocked()
	r.mu.Unlock()
	for {
		select {
		case <-r.out:
		default:
			return
		}
	}
}

func (r *Reassembler) expire(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.flushLocked()
}

func (r *Reassembler) discardLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.pending = nil
}

func (r *Reassembler) flushLocked() {
	if len(r.pending) == 0 {
		r.discardLocked()
		return
	}
	size := 0
	for _, p := range r.pending {
		size += len(p)
	}
	msg := make([]byte, 0, size)
	for _, p := range r.pending {
		msg = append(msg, p...)
	}
	r.discardLocked()
	r.emit(msg)
}

func (r *Reassembler) emit(msg []byte) {
	for {
		select {
		case r.out <- msg:
			return
		default:
		}
		select {
		case <-r.out:
			n := r.dropped.Add(1)
			r.logger.Warn("message queue full, dropped oldest", "dropped", n)
		default:
		}
	}
}
