package main

import (
	"log/slog"
	"time"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/store"
	"scantool/internal/transport"
)

// inventory keeps the scanner record in the store current from bus events.
type inventory struct {
	db     store.Store
	port   string
	keep   int
	logger *slog.Logger
	now    func() time.Time
}

func newInventory(db store.Store, port string, keep int, logger *slog.Logger) *inventory {
	return &inventory{
		db:     db,
		port:   port,
		keep:   keep,
		logger: logger.With("component", "inventory"),
		now:    time.Now,
	}
}

// attach records the scanner as present on its port.
func (inv *inventory) attach(kind transport.Kind) error {
	return inv.db.UpdateScanner(inv.port, func(sc *store.Scanner) error {
		sc.Transport = kind.String()
		sc.Plugged = true
		sc.LastSeen = inv.now()
		return nil
	})
}

// subscribe registers the inventory on bus and returns the unsubscribe
// function.
func (inv *inventory) subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.On(events.TypeScan, inv.onScan),
		bus.On(events.TypePlug, inv.onPlug),
		bus.On(events.TypeUpdateResult, inv.onUpdateResult),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (inv *inventory) onScan(e events.Event) {
	scan, ok := e.Data.(events.Scan)
	if !ok {
		return
	}
	inv.update("scan", func(sc *store.Scanner) {
		sc.Scans++
		sc.Plugged = true
		sc.LastSeen = scan.Time
	})
}

func (inv *inventory) onPlug(e events.Event) {
	ev, ok := e.Data.(device.PlugEvent)
	if !ok {
		return
	}
	inv.update("plug", func(sc *store.Scanner) {
		sc.Plugged = ev.Plugged
		if ev.Plugged {
			sc.LastSeen = ev.Time
		}
	})
}

func (inv *inventory) onUpdateResult(events.Event) {
	if inv.keep <= 0 {
		return
	}
	n, err := inv.db.PruneUpdates(inv.keep)
	if err != nil {
		inv.logger.Warn("prune update history", "err", err)
		return
	}
	if n > 0 {
		inv.logger.Debug("pruned update history", "removed", n)
	}
}

func (inv *inventory) update(op string, fn func(sc *store.Scanner)) {
	err := inv.db.UpdateScanner(inv.port, func(sc *store.Scanner) error {
		fn(sc)
		return nil
	})
	if err != nil {
		inv.logger.Warn("update scanner record", "op", op, "err", err)
	}
}
