package input

import (
	"fmt"
	"slices"
	"sync"

	"keyshell/internal/keys"
)

type driverEntry struct {
	name          string
	driver        Driver
	oldSend       keys.SendFunc
	availableKeys []keys.ID
	initial       bool

	// halted is closed when the driver is being detached or the processor
	// is closing. A send blocked on a full queue gives up then.
	halted   chan struct{}
	haltOnce sync.Once
}

func (e *driverEntry) halt() {
	e.haltOnce.Do(func() { close(e.halted) })
}

func (e *driverEntry) info() DriverInfo {
	return DriverInfo{
		Name:          e.name,
		Kind:          e.driver.Kind(),
		AvailableKeys: slices.Clone(e.availableKeys),
		Initial:       e.initial,
	}
}

// AttachDriver attaches a hot-plugged driver and returns its generated name.
func (p *Processor) AttachDriver(d Driver) (string, error) {
	return p.attach(d, false)
}

func (p *Processor) attach(d Driver, initial bool) (string, error) {
	p.mu.Lock()
	kind := d.Kind()
	name := fmt.Sprintf("%s-%d", kind, 0)
	for n := 1; p.drivers[name] != nil; n++ {
		name = fmt.Sprintf("%s-%d", kind, n)
	}
	entry := &driverEntry{
		name:          name,
		driver:        d,
		availableKeys: slices.Clone(d.AvailableKeys()),
		initial:       initial,
		halted:        make(chan struct{}),
	}
	p.drivers[name] = entry
	p.order = append(p.order, name)
	p.refreshProxiesLocked()
	p.mu.Unlock()

	p.logger.Info("attaching driver", "driver", name, "initial", initial)

	// The registry lock is not held here: a driver may emit from Start, and
	// a full queue would block it.
	entry.oldSend = d.SetSendKey(func(key keys.ID, state keys.State) {
		p.receiveKey(entry, key, state)
	})
	if r, ok := d.(Reattacher); ok {
		r.OnReattach(func() { p.driverReattached(entry) })
	}
	if kn, ok := d.(KeysNotifier); ok {
		kn.OnKeysChanged(func() { p.refreshDriverKeys(entry) })
	}
	if err := d.Start(); err != nil {
		entry.halt()
		d.SetSendKey(entry.oldSend)
		p.mu.Lock()
		p.removeLocked(name)
		p.mu.Unlock()
		return "", fmt.Errorf("start driver %s: %w", name, err)
	}

	p.refreshDriverKeys(entry)
	p.metrics.DriversAttached.Inc()
	if p.cfg.Observer != nil {
		p.cfg.Observer.DriverAttached(p.entryInfo(entry))
	}

	p.mu.RLock()
	suspended := p.suspended
	p.mu.RUnlock()
	if e, ok := d.(Enabler); ok && suspended {
		e.SetEnabled(false)
	}

	return name, nil
}

// DetachDriver stops a hot-plugged driver and removes it from the registry.
// Drivers attached at construction cannot be detached.
func (p *Processor) DetachDriver(name string) error {
	p.mu.Lock()
	entry, ok := p.drivers[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	if entry.initial {
		p.mu.Unlock()
		return &ConfigurationError{Driver: name, Err: ErrInitialDriver}
	}
	p.removeLocked(name)
	p.mu.Unlock()

	p.logger.Info("detaching driver", "driver", name)

	entry.halt()
	entry.driver.SetSendKey(entry.oldSend)
	p.metrics.DriversAttached.Dec()
	if p.cfg.Observer != nil {
		p.cfg.Observer.DriverDetached(entry.info())
	}
	if err := entry.driver.Stop(); err != nil {
		return fmt.Errorf("stop driver %s: %w", name, err)
	}
	return nil
}

// ListDrivers returns the attached drivers in attach order.
func (p *Processor) ListDrivers() []DriverInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()

	infos := make([]DriverInfo, 0, len(p.order))
	for _, name := range p.order {
		infos = append(infos, p.drivers[name].info())
	}
	return infos
}

// AvailableKeys returns the keys each attached driver can produce.
func (p *Processor) AvailableKeys() map[string][]keys.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.availableKeysLocked()
}

// Suspend disables every driver that supports it. Events from disabled
// drivers are dropped at the source.
func (p *Processor) Suspend() {
	p.setEnabled(false)
}

// Resume re-enables drivers disabled by Suspend.
func (p *Processor) Resume() {
	p.setEnabled(true)
}

func (p *Processor) setEnabled(enabled bool) {
	p.mu.Lock()
	p.suspended = !enabled
	entries := make([]*driverEntry, 0, len(p.order))
	for _, name := range p.order {
		entries = append(entries, p.drivers[name])
	}
	p.mu.Unlock()

	for _, e := range entries {
		if en, ok := e.driver.(Enabler); ok {
			en.SetEnabled(enabled)
		}
	}
	p.logger.Info("input drivers toggled", "enabled", enabled)
}

// Suspended reports whether input is suspended.
func (p *Processor) Suspended() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.suspended
}

func (p *Processor) driverReattached(entry *driverEntry) {
	p.logger.Info("driver reattached", "driver", entry.name)
	if !p.refreshDriverKeys(entry) {
		return
	}
	if p.cfg.Observer != nil {
		p.cfg.Observer.DriverAttached(p.entryInfo(entry))
	}
}

// refreshDriverKeys re-reads the keys a driver can produce and pushes them
// to every proxy. It reports false if the driver is no longer attached.
func (p *Processor) refreshDriverKeys(entry *driverEntry) bool {
	avail := slices.Clone(entry.driver.AvailableKeys())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drivers[entry.name] != entry {
		return false
	}
	if !slices.Equal(entry.availableKeys, avail) {
		entry.availableKeys = avail
		p.refreshProxiesLocked()
	}
	return true
}

func (p *Processor) entryInfo(entry *driverEntry) DriverInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return entry.info()
}

func (p *Processor) removeLocked(name string) {
	delete(p.drivers, name)
	if i := slices.Index(p.order, name); i >= 0 {
		p.order = slices.Delete(p.order, i, i+1)
	}
	p.refreshProxiesLocked()
}

func (p *Processor) availableKeysLocked() map[string][]keys.ID {
	m := make(map[string][]keys.ID, len(p.drivers))
	for name, e := range p.drivers {
		m[name] = slices.Clone(e.availableKeys)
	}
	return m
}

func (p *Processor) refreshProxiesLocked() {
	for _, proxy := range p.proxies {
		proxy.setAvailableKeys(p.availableKeysLocked())
	}
}
