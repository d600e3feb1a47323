package device

import (
	"fmt"
	"time"

	"scantool/internal/protocol"
	"scantool/internal/transport"
)

// cmdLink is the protocol.Link a command sees: writes go straight to the
// transport, reads come from the command queue. It also serves as the
// firmware update session.
type cmdLink struct {
	d    *Device
	done <-chan struct{}
	rest []byte
}

func (l *cmdLink) Write(p []byte) error {
	return l.d.tr.WritePacket(p)
}

// Read returns queued command bytes, waiting up to timeout for the next
// fragment. A fragment larger than p is returned over several reads.
func (l *cmdLink) Read(p []byte, timeout time.Duration) (int, error) {
	if len(l.rest) == 0 {
		if err := l.next(timeout); err != nil {
			return 0, err
		}
	}
	n := copy(p, l.rest)
	l.rest = l.rest[n:]
	return n, nil
}

func (l *cmdLink) next(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case frag := <-l.d.cmdCh:
			payload, err := l.d.enc.CommandPayload(frag, 0)
			if err != nil {
				l.d.logger.Debug("fragment ignored on command path", "err", err, "data", fmt.Sprintf("%X", frag))
				continue
			}
			if len(payload) == 0 {
				continue
			}
			l.rest = payload
			return nil
		case <-timer.C:
			return nil
		case <-l.done:
			return transport.ErrClosed
		}
	}
}

// Reopen closes and reopens the transport after the device re-enumerated.
func (l *cmdLink) Reopen() error {
	l.d.portMu.Lock()
	defer l.d.portMu.Unlock()
	_ = l.d.tr.Close()
	l.rest = nil
	if err := l.d.tr.Open(); err != nil {
		return err
	}
	l.d.logger.Info("transport reopened")
	return nil
}

func (l *cmdLink) SetBaudRate(baud int) error {
	br, ok := l.d.tr.(transport.BaudRater)
	if !ok {
		return fmt.Errorf("set baud rate on %s transport: %w", l.d.tr.Kind(), protocol.ErrInvalidParams)
	}
	l.d.portMu.Lock()
	defer l.d.portMu.Unlock()
	if err := br.SetBaudRate(baud); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrCommunication, err)
	}
	l.d.logger.Debug("baud rate changed", "baud", baud)
	return nil
}

func (l *cmdLink) IsUART() bool {
	return l.d.tr.Kind() == transport.UART
}
