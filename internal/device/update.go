package device

import (
	"context"
	"errors"
	"time"

	"scantool/internal/firmware"
	"scantool/internal/protocol"
	"scantool/internal/store"
)

// UpdateFirmware programs the firmware image in data. Routing stays
// suspended for the whole update. The run is journaled when the device has
// a journal.
func (d *Device) UpdateFirmware(ctx context.Context, data []byte, progress firmware.ProgressCallback) error {
	start := time.Now()
	rec := &store.UpdateRecord{
		ID:        store.NewUpdateID(start),
		StartedAt: start,
		Port:      d.port,
		Phase:     string(firmware.PhaseParse),
		Status:    store.StatusRunning,
	}

	img, err := firmware.Parse(data)
	if err != nil {
		d.finishUpdate(rec, err)
		return err
	}
	rec.Class = img.Class.String()
	rec.Bytes = img.TotalBytes()
	for _, s := range img.Segments {
		rec.Segments = append(rec.Segments, s.FileType())
	}
	d.saveUpdate(rec)
	d.logger.Info("firmware update starting", "class", img.Class, "segments", rec.Segments, "bytes", rec.Bytes)

	err = d.exchange(func(l *cmdLink) error {
		u := firmware.NewUpdater(l,
			firmware.WithLogger(d.logger),
			firmware.WithProgress(func(p firmware.Progress) {
				if string(p.Phase) != rec.Phase {
					rec.Phase = string(p.Phase)
					d.logger.Info("firmware update phase", "phase", p.Phase, "segment", p.Segment, "index", p.Index)
				}
				if progress != nil {
					progress(p)
				}
			}),
		)
		return u.Run(ctx, img)
	})
	d.finishUpdate(rec, err)
	return err
}

func (d *Device) finishUpdate(rec *store.UpdateRecord, err error) {
	rec.FinishedAt = time.Now()
	rec.Code = protocol.Code(err)
	if err != nil {
		rec.Status = store.StatusFailed
		rec.Error = err.Error()
		rec.Indeterminate = errors.Is(err, firmware.ErrIndeterminate)
		d.logger.Error("firmware update failed", "phase", rec.Phase, "code", rec.Code, "indeterminate", rec.Indeterminate, "err", err)
	} else {
		rec.Status = store.StatusSuccess
		d.logger.Info("firmware update finished", "elapsed", rec.FinishedAt.Sub(rec.StartedAt))
	}
	d.saveUpdate(rec)
}

func (d *Device) saveUpdate(rec *store.UpdateRecord) {
	if d.journal == nil {
		return
	}
	if err := d.journal.SaveUpdate(rec); err != nil {
		d.logger.Warn("journal update failed", "id", rec.ID, "err", err)
	}
}
