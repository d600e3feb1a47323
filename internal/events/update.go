package events

import (
	"errors"

	"scantool/internal/firmware"
	"scantool/internal/protocol"
	"scantool/internal/store"
)

// ProgressEmitter returns a firmware progress callback that publishes
// update_progress events on b.
func ProgressEmitter(b *Bus) firmware.ProgressCallback {
	return func(p firmware.Progress) {
		b.Emit(Event{Type: TypeUpdateProgress, Data: p})
	}
}

// NewUpdateResult describes the outcome err of an update on port.
func NewUpdateResult(port string, err error) UpdateResult {
	r := UpdateResult{
		Port:   port,
		Status: store.StatusSuccess,
		Code:   protocol.Code(err),
	}
	if err != nil {
		r.Status = store.StatusFailed
		r.Error = err.Error()
		r.Indeterminate = errors.Is(err, firmware.ErrIndeterminate)
	}
	return r
}
