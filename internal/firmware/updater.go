package firmware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"scantool/internal/protocol"
)

// Session is the link an update runs over, plus the recovery hooks the
// bootloader sequence needs.
type Session interface {
	protocol.Link
	// Reopen reconnects after the device re-enumerated on USB.
	Reopen() error
	// SetBaudRate changes the UART line speed.
	SetBaudRate(baud int) error
	// IsUART reports whether the session runs over a physical UART.
	IsUART() bool
}

// ErrIndeterminate marks failures after the device began rewriting flash.
// The device needs a full update retry before it is usable again.
var ErrIndeterminate = errors.New("firmware partially written")

// Phase names a step of the update sequence.
type Phase string

const (
	PhaseParse        Phase = "parse"
	PhaseHandshake    Phase = "handshake"
	PhaseReconnected  Phase = "reconnected"
	PhaseEnterUpdate  Phase = "enter_update"
	PhaseSerialChange Phase = "serial_change"
	PhaseSetParam     Phase = "set_param"
	PhaseSendData     Phase = "send_data"
	PhaseWaitUpdate   Phase = "wait_update"
	PhaseComplete     Phase = "complete"
)

// Progress describes where an update is. Percent is within the current
// phase; send_data reports the share of the segment acknowledged so far.
type Progress struct {
	Phase   Phase         `json:"phase"`
	Segment string        `json:"segment,omitempty"`
	Index   int           `json:"index"`
	Total   int           `json:"total"`
	Percent int           `json:"percent"`
	Sent    int           `json:"sent,omitempty"`
	Length  int           `json:"length,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// ProgressCallback receives progress updates. It runs on the updating
// goroutine and must return quickly.
type ProgressCallback func(Progress)

// Config holds updater settings.
type Config struct {
	Progress ProgressCallback
	Logger   *slog.Logger
	// Sleep waits between steps; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Updater.
type Option func(*Config)

// WithProgress sets the progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(c *Config) { c.Progress = cb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithSleep replaces the delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Config) { c.Sleep = fn }
}

func defaultConfig() Config {
	return Config{
		Logger: slog.Default(),
		Sleep:  sleepCtx,
	}
}

// Handshake commands that switch the application firmware into its
// bootloader.
var (
	cmdUpgrade = []byte{0x7E, 0x00, 0x00, 0x09, 0x7E, 'u', 'p', 'G', 'r', 'a', 'd', 'e', 0x7E, 0xA6}
	cmdUpDate  = []byte{0x7E, 0x00, 0x00, 0x08, 0x7E, 'u', 'p', 'D', 'a', 't', 'e', 0x7E, 0xC6}
)

// Bootloader single-byte replies and probes.
const (
	handshakeAck byte = 0x06
	enterProbe   byte = '?'
	enterReady   byte = '<'
	baudProbe    byte = '*'
	eraseTick    byte = '.'
	eraseDone    byte = ';'
)

// Timing of the update sequence.
const (
	handshakeTimeout = 3000 * time.Millisecond
	reconnectDelay   = 1000 * time.Millisecond
	reconnectRetry   = 2000 * time.Millisecond
	probeDelay       = 20 * time.Millisecond
	probeTimeout     = 100 * time.Millisecond
	probeAttempts    = 20
	eraseTimeout     = 4000 * time.Millisecond

	probeBaud  = 9600
	updateBaud = 115200
)

// Updater runs one firmware update over a Session.
type Updater struct {
	s      Session
	cfg    Config
	logger *slog.Logger
	start  time.Time
	// programming is set once the device accepted Start or Erase; later
	// failures leave the flash in an unknown state.
	programming bool
}

// NewUpdater creates an updater for s.
func NewUpdater(s Session, opts ...Option) *Updater {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Updater{
		s:      s,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "updater"),
	}
}

// Run programs every segment of img. On failure it sends @Exit to the
// bootloader (best effort) and returns the first error. Errors after the
// device started programming also match ErrIndeterminate.
func (u *Updater) Run(ctx context.Context, img *Image) (err error) {
	u.start = time.Now()
	u.programming = false
	u.report(Progress{Phase: PhaseParse, Total: len(img.Segments), Percent: 100})

	defer func() {
		if err == nil {
			return
		}
		if _, exitErr := protocol.SetParam(u.s, protocol.KeyExit); exitErr != nil {
			u.logger.Debug("exit after failure", "err", exitErr)
		}
		if u.programming {
			err = fmt.Errorf("%w: %w", ErrIndeterminate, err)
		}
	}()

	if err := u.handshake(img.Class); err != nil {
		return err
	}
	u.report(Progress{Phase: PhaseHandshake, Total: len(img.Segments), Percent: 100})

	if img.Class == MCU && !u.s.IsUART() {
		if err := u.reconnect(ctx); err != nil {
			return err
		}
		u.report(Progress{Phase: PhaseReconnected, Total: len(img.Segments), Percent: 100})
	}

	for i, seg := range img.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.segment(ctx, img, i); err != nil {
			return fmt.Errorf("segment %d (%s): %w", i, seg.FileType(), err)
		}
	}
	u.logger.Info("firmware update complete", "class", img.Class, "segments", len(img.Segments), "elapsed", time.Since(u.start))
	return nil
}

func (u *Updater) handshake(class DeviceClass) error {
	cmd := cmdUpgrade
	if class == MCU {
		cmd = cmdUpDate
	}
	if err := u.s.Write(cmd); err != nil {
		return fmt.Errorf("handshake: write: %w: %w", protocol.ErrCommunication, err)
	}
	if err := protocol.Expect(u.s, handshakeAck, handshakeTimeout); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// reconnect waits for an MCU device to come back after rebooting into its
// bootloader, which re-enumerates it on USB.
func (u *Updater) reconnect(ctx context.Context) error {
	if err := u.cfg.Sleep(ctx, reconnectDelay); err != nil {
		return err
	}
	err := u.s.Reopen()
	if err == nil {
		return nil
	}
	u.logger.Warn("reopen after handshake failed, retrying", "err", err)
	if err := u.cfg.Sleep(ctx, reconnectRetry); err != nil {
		return err
	}
	if err := u.s.Reopen(); err != nil {
		return fmt.Errorf("reconnect: %w: %w", protocol.ErrDeviceNotExist, err)
	}
	return nil
}

func (u *Updater) segment(ctx context.Context, img *Image, idx int) error {
	seg := img.Segments[idx]
	total := len(img.Segments)
	name := seg.FileType()
	step := func(p Phase, pct int) {
		u.report(Progress{Phase: p, Segment: name, Index: idx, Total: total, Percent: pct})
	}

	if u.s.IsUART() {
		if err := u.s.SetBaudRate(probeBaud); err != nil {
			return fmt.Errorf("baud %d: %w", probeBaud, err)
		}
	}
	if err := u.probe(ctx, enterProbe, enterReady); err != nil {
		return fmt.Errorf("enter update mode: %w", err)
	}
	step(PhaseEnterUpdate, 100)

	if u.s.IsUART() {
		if err := u.renegotiateBaud(ctx); err != nil {
			return err
		}
		step(PhaseSerialChange, 100)
	}

	length := int(seg.Length)
	for _, key := range []string{
		protocol.ParamDataLens(length),
		protocol.ParamFileType(name),
		protocol.ParamFrameSize(protocol.FrameSize),
		protocol.ParamFrames(protocol.FrameCount(length, protocol.FrameSize)),
	} {
		if _, err := protocol.SetParam(u.s, key); err != nil {
			return err
		}
	}
	step(PhaseSetParam, 100)

	erased, err := u.startOrErase()
	if err != nil {
		return err
	}

	err = protocol.SendBlock(u.s, img.Payload(seg), protocol.BlockOptions{
		Erased: erased,
		Flash:  seg.Kind == Flash,
		Progress: func(sent, n int) {
			u.report(Progress{
				Phase: PhaseSendData, Segment: name, Index: idx, Total: total,
				Percent: sent * 100 / n, Sent: sent, Length: n,
			})
			if sent == n {
				step(PhaseWaitUpdate, 100)
			}
		},
	})
	if err != nil {
		return err
	}
	step(PhaseComplete, 100)

	if img.Class == SOC {
		key := protocol.KeyExit
		if idx+1 < total {
			key = protocol.KeyNextDown
		}
		if _, err := protocol.SetParam(u.s, key); err != nil {
			u.logger.Warn("segment trailer not acknowledged", "key", key, "err", err)
		}
	}
	return nil
}

// probe sends b until the device answers want, at most probeAttempts times.
func (u *Updater) probe(ctx context.Context, b, want byte) error {
	var last error
	for attempt := 0; attempt < probeAttempts; attempt++ {
		if err := u.cfg.Sleep(ctx, probeDelay); err != nil {
			return err
		}
		if err := u.s.Write([]byte{b}); err != nil {
			return fmt.Errorf("write probe: %w: %w", protocol.ErrCommunication, err)
		}
		got, err := protocol.ReadOne(u.s, probeTimeout)
		if err == nil && got == want {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("got 0x%02X: %w", got, protocol.ErrUnexpectedReply)
		}
		last = err
	}
	return fmt.Errorf("no 0x%02X after %d probes: %w", want, probeAttempts, last)
}

// renegotiateBaud moves a UART session from the 9600 baud probe speed to
// the transfer speed.
func (u *Updater) renegotiateBaud(ctx context.Context) error {
	status, err := protocol.SetParam(u.s, protocol.KeyBaud)
	var se *protocol.StatusError
	switch {
	case err == nil:
	case errors.As(err, &se):
		u.logger.Warn("baud change answered with non-success status, continuing", "status", fmt.Sprintf("0x%02X", status))
	default:
		return fmt.Errorf("baud change: %w", err)
	}
	if err := u.s.SetBaudRate(updateBaud); err != nil {
		return fmt.Errorf("baud %d: %w", updateBaud, err)
	}
	if err := u.probe(ctx, baudProbe, baudProbe); err != nil {
		return fmt.Errorf("probe at %d baud: %w", updateBaud, err)
	}
	return nil
}

// startOrErase starts programming and reports whether the target was
// erased. A device that needs the target erased first answers Start with
// ParamNeedErase; the erase then streams '.' until it finishes with ';'.
func (u *Updater) startOrErase() (bool, error) {
	_, err := protocol.SetParam(u.s, protocol.KeyStart)
	if err == nil {
		u.programming = true
		return false, nil
	}
	if !protocol.IsStatus(err, protocol.ParamNeedErase) {
		return false, fmt.Errorf("start: %w", err)
	}

	if _, err := protocol.SetParam(u.s, protocol.KeyErase); err != nil {
		return false, fmt.Errorf("erase: %w", err)
	}
	u.programming = true
	for {
		b, err := protocol.ReadOne(u.s, eraseTimeout)
		if err != nil {
			return true, fmt.Errorf("erase: %w", err)
		}
		switch b {
		case eraseTick:
			continue
		case eraseDone:
			return true, nil
		default:
			return true, fmt.Errorf("erase: got 0x%02X: %w", b, protocol.ErrUnexpectedReply)
		}
	}
}

func (u *Updater) report(p Progress) {
	p.Elapsed = time.Since(u.start)
	u.logger.Debug("update progress", "phase", p.Phase, "segment", p.Segment, "percent", p.Percent)
	if u.cfg.Progress != nil {
		u.cfg.Progress(p)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
