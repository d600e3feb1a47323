package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"scantool/internal/firmware"
	"scantool/internal/protocol"
	"scantool/internal/store"
	"scantool/internal/transport"
)

func TestSetConfigEcho(t *testing.T) {
	for _, kind := range []transport.Kind{transport.CDC, transport.POS} {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFakeTransport(kind)
			status := protocol.StatusACK
			f.setRespond(func(p []byte) []byte {
				if isCommand(p) {
					return echoReply(p, status)
				}
				return nil
			})
			d := openDevice(t, f)

			if err := d.SetConfig("SCNTRG0"); err != nil {
				t.Fatalf("ack: %v", err)
			}

			status = protocol.StatusNAK
			err := d.SetConfig("SCNTRG0")
			if !errors.Is(err, protocol.ErrCommunication) {
				t.Fatalf("nak: err = %v, want communication error", err)
			}
			if !protocol.IsStatus(err, protocol.StatusNAK) {
				t.Errorf("nak: err = %v, want NAK status", err)
			}
		})
	}
}

func TestSetConfigNoReply(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	d := openDevice(t, f)
	if err := d.SetConfig("#SCNTRG0"); !errors.Is(err, protocol.ErrMalformed) {
		t.Errorf("err = %v, want ErrMalformed", err)
	}
}

func TestCommandsRequireOpen(t *testing.T) {
	d := New(newFakeTransport(transport.CDC), "/dev/fake0", testLogger())
	if err := d.SetConfig("SCNTRG0"); !errors.Is(err, protocol.ErrDeviceNotExist) {
		t.Errorf("set: err = %v, want ErrDeviceNotExist", err)
	}
	if err := d.StartScan(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("scan: err = %v, want ErrNotOpen", err)
	}
	status, err := d.SetConfigBulk("@SCNMOD0;")
	if status != BulkNotOpen || err == nil {
		t.Errorf("bulk: status = %v, err = %v", status, err)
	}
}

func TestCommandsFailWhileDisconnected(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	d := openDevice(t, f)
	before := len(f.written())

	f.setGone(true)
	waitFor(t, d.PlugEvents(), "unplug")
	if d.IsOpen() {
		t.Fatal("device still reported open after unplug")
	}

	if err := d.CheckHealth(); !errors.Is(err, protocol.ErrDeviceNotExist) || protocol.Code(err) != protocol.CodeDeviceNotExist {
		t.Errorf("health: err = %v, want ErrDeviceNotExist", err)
	}
	if err := d.StartScan(); !errors.Is(err, ErrDisconnected) {
		t.Errorf("scan: err = %v, want ErrDisconnected", err)
	}
	status, err := d.SetConfigBulk("@SCNMOD0;")
	if status != BulkNotOpen || !errors.Is(err, ErrNotOpen) {
		t.Errorf("bulk: status = %v, err = %v, want %v", status, err, BulkNotOpen)
	}
	if n := len(f.written()) - before; n != 0 {
		t.Errorf("wrote %d packets to a disconnected transport", n)
	}
}

func TestOpenErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{fmt.Errorf("open: %w", transport.ErrNotFound), protocol.ErrDeviceNotExist},
		{fmt.Errorf("open: %w", transport.ErrPermission), protocol.ErrDeviceAccessDenied},
		{fmt.Errorf("open: %w", transport.ErrBusy), protocol.ErrDeviceAccessDenied},
		{errors.New("i/o error"), protocol.ErrCommunication},
	}
	for _, tt := range tests {
		f := newFakeTransport(transport.CDC)
		f.openErr = tt.err
		d := New(f, "/dev/fake0", testLogger())
		if err := d.Open(); !errors.Is(err, tt.want) {
			t.Errorf("open with %v: err = %v, want %v", tt.err, err, tt.want)
		}
		if d.IsOpen() {
			t.Error("IsOpen after failed open")
		}
	}
}

func TestCheckHealth(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	health := "0"
	f.setRespond(func(p []byte) []byte {
		if commandBody(p) == "DEVQRY*" {
			return tagReply(p, health)
		}
		return nil
	})
	d := openDevice(t, f)

	if err := d.CheckHealth(); err != nil {
		t.Fatalf("healthy: %v", err)
	}
	health = "1"
	if err := d.CheckHealth(); !protocol.IsStatus(err, '1') {
		t.Errorf("unhealthy: err = %v, want status '1'", err)
	}
}

func TestDeviceInformation(t *testing.T) {
	f := newFakeTransport(transport.POS)
	info := "Product Name: HR22\r\nFirmware Version: V2.3.1\r\nSerial Number: 1234567890"
	f.setRespond(func(p []byte) []byte {
		if commandBody(p) == "QRYSYS" {
			return tagReply(p, info)
		}
		return nil
	})
	d := openDevice(t, f)

	got, err := d.DeviceInformation()
	if err != nil {
		t.Fatal(err)
	}
	if got != info {
		t.Errorf("info = %q, want %q", got, info)
	}
}

func TestGetConfigAndImageSize(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	f.setRespond(func(p []byte) []byte {
		switch commandBody(p) {
		case "SCNMOD*":
			return queryReply("SCNMOD0")
		case "IMGGWH":
			return queryReply("IMGGWH752W480H")
		}
		return nil
	})
	d := openDevice(t, f)

	got, err := d.GetConfig("SCNMOD*")
	if err != nil {
		t.Fatal(err)
	}
	if got != "SCNMOD0" {
		t.Errorf("get = %q, want SCNMOD0", got)
	}

	w, h, err := d.ImageSize()
	if err != nil {
		t.Fatal(err)
	}
	if w != 752 || h != 480 {
		t.Errorf("size = %dx%d, want 752x480", w, h)
	}
}

func TestParseImageSize(t *testing.T) {
	tests := []struct {
		in   string
		w, h int
		ok   bool
	}{
		{"IMGGWH752W480H", 752, 480, true},
		{"IMGGWH1280W800H", 1280, 800, true},
		{"IMGGWH752W480", 0, 0, false},
		{"IMGGWHxW480H", 0, 0, false},
		{"IMG", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, err := parseImageSize(tt.in)
		if (err == nil) != tt.ok || w != tt.w || h != tt.h {
			t.Errorf("parseImageSize(%q) = %d, %d, %v", tt.in, w, h, err)
		}
	}
}

func TestImageBuffer(t *testing.T) {
	const size = 300
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 7)
	}

	f := newFakeTransport(transport.CDC)
	f.setRespond(func(p []byte) []byte {
		if commandBody(p) != "IMGGET0T0R0F" {
			return nil
		}
		out := append([]byte{protocol.STX}, p[1:len(p)-2]...)
		out = append(out, fmt.Sprintf("%08d", size)...)
		out = append(out, img...)
		return append(out, trailer(protocol.StatusACK)...)
	})
	d := openDevice(t, f)

	var progress []int
	got, err := d.ImageBuffer(size, func(p int) { progress = append(progress, p) })
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, img) {
		t.Error("image content mismatch")
	}
	if len(progress) < 3 || progress[0] != 0 || progress[len(progress)-1] != 100 {
		t.Errorf("progress = %v", progress)
	}
	if !slices.IsSorted(progress) {
		t.Errorf("progress not monotonic: %v", progress)
	}
}

func TestImageBufferShort(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	f.setRespond(func(p []byte) []byte {
		return []byte{protocol.STX, 0x01, '0'}
	})
	d := openDevice(t, f)
	if _, err := d.ImageBuffer(100, nil); !errors.Is(err, protocol.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestStartScanWritesTrigger(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	d := openDevice(t, f)
	if err := d.StartScan(); err != nil {
		t.Fatal(err)
	}
	w := f.written()
	if len(w) != 1 || !bytes.Equal(w[0], []byte{0x01, 0x54, 0x04}) {
		t.Errorf("writes = % X", w)
	}
}

func TestStopAndRestart(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	var bodies []string
	var mu sync.Mutex
	f.setRespond(func(p []byte) []byte {
		mu.Lock()
		bodies = append(bodies, commandBody(p))
		mu.Unlock()
		return echoReply(p, protocol.StatusACK)
	})
	d := openDevice(t, f)
	if err := d.StopScan(); err != nil {
		t.Fatal(err)
	}
	if err := d.Restart(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(bodies, []string{"SCNTRG0", "REBOOT"}) {
		t.Errorf("commands = %q", bodies)
	}
}

func TestSetConfigBulkStatus(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
		want  BulkStatus
	}{
		{"ok", []byte{0x02, 'A', 'B', 0x06, 0x3B, 0x03}, BulkOK},
		{"nak still ok", []byte{0x02, 'A', 'B', 0x15, 0x3B, 0x03}, BulkOK},
		{"short", []byte{0x02, 0x3B, 0x03}, BulkShortResponse},
		{"bad etx", []byte{0x02, 'A', 'B', 'C', 0x06, 0x3B, 0x04}, BulkBadETX},
		{"bad terminator", []byte{0x02, 'A', 'B', 'C', 0x06, 0x3A, 0x03}, BulkBadTerminator},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeTransport(transport.CDC)
			f.setRespond(func(p []byte) []byte { return tt.reply })
			d := openDevice(t, f)
			status, err := d.SetConfigBulk("@SCNMOD0;")
			if status != tt.want {
				t.Errorf("status = %v, want %v (err %v)", status, tt.want, err)
			}
			if (err == nil) != (tt.want == BulkOK) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestRoutingForwardsScanData(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	d := openDevice(t, f)

	f.deliver([]byte("6901234567892\r\n"))
	got := waitFor(t, d.Data(), "scan data")
	if string(got) != "6901234567892\r\n" {
		t.Errorf("data = %q", got)
	}
}

func TestRoutingTaggedReassembly(t *testing.T) {
	f := newFakeTransport(transport.POS)
	d := openDevice(t, f)

	code := strings.Repeat("0123456789", 10)
	f.deliver([]byte(code))
	got := waitFor(t, d.Data(), "scan data")
	if string(got) != code {
		t.Errorf("data = %q, want %q", got, code)
	}
}

func TestCommandRepliesNotForwarded(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	f.setRespond(func(p []byte) []byte { return echoReply(p, protocol.StatusACK) })
	d := openDevice(t, f)

	if err := d.SetConfig("SCNMOD0"); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-d.Data():
		t.Errorf("command reply leaked to data: %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommandsSerialized(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	f.setRespond(func(p []byte) []byte { return echoReply(p, protocol.StatusACK) })
	d := openDevice(t, f)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- d.SetConfig(fmt.Sprintf("SCNMOD%d", i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestPlugEvents(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	d := openDevice(t, f)

	f.setGone(true)
	ev := waitFor(t, d.PlugEvents(), "unplug")
	if ev.Plugged || ev.Port != "/dev/fake0" {
		t.Errorf("event = %+v, want unplugged", ev)
	}

	f.setGone(false)
	ev = waitFor(t, d.PlugEvents(), "replug")
	if !ev.Plugged {
		t.Errorf("event = %+v, want plugged", ev)
	}
	if !d.IsOpen() {
		t.Error("device not open after replug")
	}
}

func TestCloseStopsSession(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	d := New(f, "/dev/fake0", testLogger())
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if err := d.Open(); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if d.IsOpen() || f.IsOpen() {
		t.Error("still open after close")
	}
	if err := d.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

type memJournal struct {
	mu   sync.Mutex
	recs []store.UpdateRecord
}

func (j *memJournal) SaveUpdate(rec *store.UpdateRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, *rec)
	return nil
}

func TestUpdateFirmwareBadImage(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	j := &memJournal{}
	d := openDevice(t, f, WithJournal(j))

	err := d.UpdateFirmware(context.Background(), make([]byte, 100), nil)
	if !errors.Is(err, protocol.ErrFirmwareFile) {
		t.Fatalf("err = %v, want ErrFirmwareFile", err)
	}
	if len(f.written()) != 0 {
		t.Error("bad image reached the device")
	}
	if len(j.recs) != 1 {
		t.Fatalf("journal = %d records, want 1", len(j.recs))
	}
	if rec := j.recs[0]; rec.Status != store.StatusFailed || rec.Code != protocol.CodeFirmwareFile {
		t.Errorf("record = %+v", rec)
	}
}

func TestUpdateFirmwareHandshakeRejected(t *testing.T) {
	f := newFakeTransport(transport.CDC)
	f.setRespond(func(p []byte) []byte {
		switch {
		case len(p) > 4 && p[0] == 0x7E && p[4] == 0x7E:
			return []byte{protocol.StatusNAK}
		case len(p) > 4 && p[0] == 0x02 && p[1] == 0x05:
			ack, _ := protocol.EncodeParam(string([]byte{protocol.ParamOK}))
			return ack
		}
		return nil
	})
	j := &memJournal{}
	d := openDevice(t, f, WithJournal(j))

	data := make([]byte, 1024)
	footer := len(data) - 368
	data[footer+4] = 100 // length of a kernel segment at offset 0
	copy(data[footer+8:], "kern")

	var phases []firmware.Phase
	err := d.UpdateFirmware(context.Background(), data, func(p firmware.Progress) { phases = append(phases, p.Phase) })
	if !errors.Is(err, protocol.ErrCommunication) {
		t.Fatalf("err = %v, want communication error", err)
	}
	if errors.Is(err, firmware.ErrIndeterminate) {
		t.Error("handshake failure marked indeterminate")
	}
	if !slices.Equal(phases, []firmware.Phase{firmware.PhaseParse}) {
		t.Errorf("phases = %v", phases)
	}

	var sawExit bool
	for _, w := range f.written() {
		if bytes.Contains(w, []byte(protocol.KeyExit)) {
			sawExit = true
		}
	}
	if !sawExit {
		t.Error("no @Exit after failed update")
	}

	if len(j.recs) != 2 {
		t.Fatalf("journal = %d records, want 2", len(j.recs))
	}
	last := j.recs[1]
	if last.Status != store.StatusFailed || last.Code != protocol.CodeCommunication || last.Class != "soc" {
		t.Errorf("record = %+v", last)
	}
	if !slices.Equal(last.Segments, []string{"kern"}) {
		t.Errorf("segments = %v", last.Segments)
	}
}
