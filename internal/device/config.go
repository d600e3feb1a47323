package device

import (
	"fmt"
	"strings"

	"scantool/internal/protocol"
)

// ConfigEntry is one setting of a batch configuration: the command name
// (e.g. "SCNMOD") and its value (e.g. "0").
type ConfigEntry struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// batchLimit is the body length after which a batch is sent.
const batchLimit = 200

// ConfigBatches is a configuration split into bulk commands.
type ConfigBatches struct {
	Settings []string
	// Comm holds the interface and serial settings, sent last because they
	// may cut the link.
	Comm string
}

// isCommSetting reports whether name changes the communication interface.
func isCommSetting(name string) bool {
	return name == "INTERF" || name == "AUTOUR" || strings.HasPrefix(name, "232")
}

type batchBuilder struct {
	b      strings.Builder
	prefix string
}

// add appends e, continuing the current group with "," when it shares the
// three-character tag prefix and starting a new one with ";" otherwise.
func (bb *batchBuilder) add(e ConfigEntry) {
	tag := e.Name[:3]
	switch {
	case tag == bb.prefix:
		bb.b.WriteString(",")
		bb.b.WriteString(e.Name[3:])
	case bb.b.Len() > 0:
		bb.b.WriteString(";")
		bb.b.WriteString(e.Name)
	default:
		bb.b.WriteString(e.Name)
	}
	bb.b.WriteString(e.Value)
	bb.prefix = tag
}

func (bb *batchBuilder) take() string {
	s := "@" + bb.b.String() + ";"
	bb.b.Reset()
	bb.prefix = ""
	return s
}

// BuildConfigBatches groups entries into bulk commands of the form
// "@SCNMOD0,TRG1;ILLSCN1;". A batch is closed once its body exceeds 200
// characters. Empty batches are omitted.
func BuildConfigBatches(entries []ConfigEntry) (ConfigBatches, error) {
	var out ConfigBatches
	var settings, comm batchBuilder
	for i, e := range entries {
		if len(e.Name) < 3 {
			return ConfigBatches{}, fmt.Errorf("config entry %d: name %q too short: %w", i, e.Name, protocol.ErrInvalidParams)
		}
		if isCommSetting(e.Name) {
			comm.add(e)
			continue
		}
		settings.add(e)
		if settings.b.Len() > batchLimit {
			out.Settings = append(out.Settings, settings.take())
		}
	}
	if settings.b.Len() > 0 {
		out.Settings = append(out.Settings, settings.take())
	}
	if comm.b.Len() > 0 {
		out.Comm = comm.take()
	}
	return out, nil
}

// UpdateConfig applies entries in bulk. The communication batch goes last;
// its reply is not required because the scanner may already have switched
// interface or speed.
func (d *Device) UpdateConfig(entries []ConfigEntry) error {
	batches, err := BuildConfigBatches(entries)
	if err != nil {
		return err
	}
	for i, batch := range batches.Settings {
		if _, err := d.SetConfigBulk(batch); err != nil {
			return fmt.Errorf("config batch %d/%d: %w", i+1, len(batches.Settings), err)
		}
	}
	if batches.Comm != "" {
		if status, err := d.SetConfigBulk(batches.Comm); err != nil {
			d.logger.Warn("communication settings not confirmed", "status", status, "err", err)
		}
	}
	d.logger.Info("configuration applied", "entries", len(entries), "batches", len(batches.Settings))
	return nil
}
