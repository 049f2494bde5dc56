package input

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyshell/internal/action"
	"keyshell/internal/driver"
	"keyshell/internal/keys"
	"keyshell/internal/metrics"
)

type fakeDriver struct {
	kind  string
	avail []keys.ID

	mu       sync.Mutex
	send     keys.SendFunc
	started  bool
	stopped  bool
	exited   bool
	enabled  bool
	startErr error
}

func newFakeDriver(kind string, avail ...keys.ID) *fakeDriver {
	return &fakeDriver{kind: kind, avail: avail, enabled: true}
}

func (d *fakeDriver) Kind() string             { return d.kind }
func (d *fakeDriver) AvailableKeys() []keys.ID { return d.avail }

func (d *fakeDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.started = true
	return nil
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return nil
}

func (d *fakeDriver) AtExit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.exited = true
}

func (d *fakeDriver) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

func (d *fakeDriver) SetSendKey(fn keys.SendFunc) keys.SendFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.send
	d.send = fn
	return old
}

func (d *fakeDriver) emit(k keys.ID, st keys.State) {
	d.mu.Lock()
	send, enabled := d.send, d.enabled
	d.mu.Unlock()
	if send != nil && enabled {
		send(k, st)
	}
}

type focus struct {
	mu  sync.Mutex
	ctx string
}

func (f *focus) CurrentContext() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

func (f *focus) set(ctx string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = ctx
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Metrics = metrics.NewDispatchMetrics(metrics.NewRegistry("test"))
	return cfg
}

func newTestProcessor(t *testing.T, drivers ...Driver) *Processor {
	t.Helper()
	p, err := New(testConfig(), nil, drivers...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// recorder collects which tier handlers ran.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) cb(name string) action.Callback {
	return action.Func(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
	})
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestAttachDriverNaming(t *testing.T) {
	p := newTestProcessor(t)

	a, err := p.AttachDriver(newFakeDriver("hid"))
	require.NoError(t, err)
	b, err := p.AttachDriver(newFakeDriver("hid"))
	require.NoError(t, err)
	c, err := p.AttachDriver(newFakeDriver("gpio"))
	require.NoError(t, err)

	assert.Equal(t, "hid-0", a)
	assert.Equal(t, "hid-1", b)
	assert.Equal(t, "gpio-0", c)

	require.NoError(t, p.DetachDriver("hid-0"))
	d, err := p.AttachDriver(newFakeDriver("hid"))
	require.NoError(t, err)
	assert.Equal(t, "hid-0", d)

	names := []string{}
	for _, info := range p.ListDrivers() {
		names = append(names, info.Name)
	}
	assert.ElementsMatch(t, []string{"hid-0", "hid-1", "gpio-0"}, names)
}

func TestDetachInitialDriverRefused(t *testing.T) {
	d := newFakeDriver("gpio", keys.Up, keys.Down)
	p := newTestProcessor(t, d)

	err := p.DetachDriver("gpio-0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitialDriver)

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "gpio-0", cfgErr.Driver)

	infos := p.ListDrivers()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Initial)
	assert.Equal(t, "gpio", infos[0].Kind)
	assert.Equal(t, []keys.ID{keys.Up, keys.Down}, infos[0].AvailableKeys)
	assert.False(t, d.stopped)
}

func TestDetachUnknownDriver(t *testing.T) {
	p := newTestProcessor(t)
	assert.ErrorIs(t, p.DetachDriver("hid-7"), ErrUnknownDriver)
}

func TestDetachRestoresSendFunction(t *testing.T) {
	p := newTestProcessor(t)
	d := newFakeDriver("hid", keys.F1)

	var direct []keys.ID
	d.SetSendKey(func(k keys.ID, _ keys.State) { direct = append(direct, k) })

	name, err := p.AttachDriver(d)
	require.NoError(t, err)
	assert.True(t, d.started)

	d.emit(keys.F1, keys.Pressed)
	assert.Equal(t, 1, p.QueueLen())
	assert.Empty(t, direct)

	require.NoError(t, p.DetachDriver(name))
	assert.True(t, d.stopped)

	d.emit(keys.F2, keys.Pressed)
	assert.Equal(t, []keys.ID{keys.F2}, direct)
	assert.Equal(t, 1, p.QueueLen())
}

func TestAttachDriverStartFailure(t *testing.T) {
	p := newTestProcessor(t)
	d := newFakeDriver("pcf8574")
	d.startErr = errors.New("no such device")

	_, err := p.AttachDriver(d)
	require.Error(t, err)
	assert.Empty(t, p.ListDrivers())
	assert.Nil(t, d.send)
}

func TestNewStopsDriversOnFailure(t *testing.T) {
	ok := newFakeDriver("hid")
	bad := newFakeDriver("gpio")
	bad.startErr = errors.New("export failed")

	_, err := New(testConfig(), nil, ok, bad)
	require.Error(t, err)
	assert.True(t, ok.stopped)
}

func floodQueue(t *testing.T, p *Processor, d *fakeDriver) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			d.emit(keys.F1, keys.Pressed)
		}
	}()
	require.Eventually(t, func() bool { return p.QueueLen() == 8 }, 2*time.Second, time.Millisecond)
	return done
}

func TestDetachWithFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 8
	p, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	p.Listen()

	d := newFakeDriver("burst", keys.F1)
	name, err := p.AttachDriver(d)
	require.NoError(t, err)
	flooding := floodQueue(t, p, d)

	detached := make(chan error, 1)
	go func() { detached <- p.DetachDriver(name) }()

	select {
	case err := <-detached:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("DetachDriver blocked on a full queue")
	}
	<-flooding
	assert.Equal(t, 8, p.QueueLen())
	assert.GreaterOrEqual(t, p.Metrics().EventsDropped.Value(), uint64(1))
}

func TestCloseWithFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 8
	d := newFakeDriver("burst", keys.F1)
	p, err := New(cfg, nil, d)
	require.NoError(t, err)
	p.Listen()
	flooding := floodQueue(t, p, d)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a full queue")
	}
	<-flooding
	assert.True(t, d.stopped)
}

func TestAvailableKeysReachProxies(t *testing.T) {
	p := newTestProcessor(t, newFakeDriver("gpio", keys.Up))
	proxy := NewProxy("main")
	p.RegisterProxy(proxy)

	assert.Equal(t, map[string][]keys.ID{"gpio-0": {keys.Up}}, proxy.AvailableKeys())

	name, err := p.AttachDriver(newFakeDriver("hid", keys.F1, keys.F2))
	require.NoError(t, err)
	assert.Equal(t, []keys.ID{keys.F1, keys.F2}, proxy.AvailableKeys()[name])

	require.NoError(t, p.DetachDriver(name))
	assert.NotContains(t, proxy.AvailableKeys(), name)
}

// lateKeysDriver only knows its keys once started, like an evdev device.
type lateKeysDriver struct {
	*driver.Base
	startKeys []keys.ID
}

func (d *lateKeysDriver) Start() error {
	d.SetAvailableKeys(d.startKeys)
	return nil
}

func (d *lateKeysDriver) Stop() error { return nil }

func TestAvailableKeysLearnedAfterAttach(t *testing.T) {
	p := newTestProcessor(t)
	proxy := NewProxy("app")
	p.RegisterProxy(proxy)

	d := &lateKeysDriver{
		Base:      driver.NewBase("late", nil, driver.Options{}),
		startKeys: []keys.ID{keys.F1},
	}
	name, err := p.AttachDriver(d)
	require.NoError(t, err)
	assert.Equal(t, []keys.ID{keys.F1}, p.ListDrivers()[0].AvailableKeys)
	assert.Equal(t, []keys.ID{keys.F1}, proxy.AvailableKeys()[name])

	d.SetAvailableKeys([]keys.ID{keys.F1, keys.F2})
	assert.Equal(t, []keys.ID{keys.F1, keys.F2}, proxy.AvailableKeys()[name])

	d.Reattached()
	assert.Equal(t, []keys.ID{keys.F1, keys.F2}, p.ListDrivers()[0].AvailableKeys)

	require.NoError(t, p.DetachDriver(name))
	d.SetAvailableKeys([]keys.ID{keys.F3})
	d.Reattached()
	assert.Empty(t, p.ListDrivers())
	assert.NotContains(t, proxy.AvailableKeys(), name)
}

func TestSuspendResume(t *testing.T) {
	d := newFakeDriver("hid")
	p := newTestProcessor(t, d)

	p.Suspend()
	assert.True(t, p.Suspended())
	d.emit(keys.F1, keys.Pressed)
	assert.Equal(t, 0, p.QueueLen())

	late := newFakeDriver("gpio")
	_, err := p.AttachDriver(late)
	require.NoError(t, err)
	assert.False(t, late.enabled)

	p.Resume()
	d.emit(keys.F1, keys.Pressed)
	assert.Equal(t, 1, p.QueueLen())
	assert.True(t, late.enabled)
}

func TestCloseRunsExitHooks(t *testing.T) {
	d := newFakeDriver("hid")
	p, err := New(testConfig(), nil, d)
	require.NoError(t, err)

	p.Listen()
	require.NoError(t, p.Close())
	assert.True(t, d.stopped)
	assert.True(t, d.exited)
	assert.False(t, p.Listening())
}

func TestGlobalCallbackOnce(t *testing.T) {
	p := newTestProcessor(t)
	require.NoError(t, p.SetGlobalCallback(keys.Prog2, action.Func(func() {})))

	err := p.SetGlobalCallback(keys.Prog2, action.Func(func() {}))
	assert.ErrorIs(t, err, ErrGlobalKeyTaken)

	var cbErr *CallbackError
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, GlobalKeyTaken, cbErr.Kind)
	assert.Equal(t, keys.Prog2, cbErr.Key)
}

func TestProxySingularity(t *testing.T) {
	p := newTestProcessor(t)
	a, b := NewProxy("a"), NewProxy("b")

	require.NoError(t, p.AttachProxy(a))
	assert.ErrorIs(t, p.AttachProxy(b), ErrProxyAttached)
	assert.Same(t, a, p.CurrentProxy())

	p.AttachNewProxy(b)
	assert.Same(t, b, p.CurrentProxy())

	p.DetachCurrentProxy()
	assert.Nil(t, p.CurrentProxy())
	require.NoError(t, p.AttachProxy(a))
	assert.Same(t, a, p.CurrentProxy())
}

func TestPriorityOrder(t *testing.T) {
	key := keys.F3

	setup := func(t *testing.T, rec *recorder) (*Processor, *Proxy) {
		p := newTestProcessor(t)
		proxy := NewProxy("app")
		require.NoError(t, p.AttachProxy(proxy))

		global := action.New("global", rec.cb("global"))
		global.ForceGlobal = true
		require.NoError(t, p.SetGlobalCallback(key, global))
		require.NoError(t, proxy.SetNonmaskableCallback(key, rec.cb("nonmaskable")))
		proxy.SetCallback(key, rec.cb("simple"))
		proxy.SetStreaming(action.KeyFunc(func(keys.ID) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.calls = append(rec.calls, "streaming")
		}))
		return p, proxy
	}

	t.Run("forced global wins over everything", func(t *testing.T) {
		rec := &recorder{}
		p, _ := setup(t, rec)
		p.processEvent(keys.Event{Key: key, State: keys.Pressed})
		assert.Equal(t, []string{"global"}, rec.got())
	})

	t.Run("nonmaskable before simple", func(t *testing.T) {
		rec := &recorder{}
		p := newTestProcessor(t)
		proxy := NewProxy("app")
		require.NoError(t, p.AttachProxy(proxy))
		require.NoError(t, proxy.SetNonmaskableCallback(key, rec.cb("nonmaskable")))
		proxy.SetCallback(key, rec.cb("simple"))
		proxy.SetStreaming(rec.cb("streaming"))

		p.processEvent(keys.Event{Key: key, State: keys.Pressed})
		assert.Equal(t, []string{"nonmaskable"}, rec.got())
	})

	t.Run("simple masks maskable", func(t *testing.T) {
		rec := &recorder{}
		p := newTestProcessor(t)
		proxy := NewProxy("app")
		require.NoError(t, p.AttachProxy(proxy))
		require.NoError(t, proxy.SetMaskableCallback(key, rec.cb("maskable")))
		proxy.SetCallback(key, rec.cb("simple"))

		p.processEvent(keys.Event{Key: key, State: keys.Pressed})
		proxy.RemoveCallback(key)
		p.processEvent(keys.Event{Key: key, State: keys.Pressed})
		assert.Equal(t, []string{"simple", "maskable"}, rec.got())
	})

	t.Run("unhandled key dropped", func(t *testing.T) {
		p := newTestProcessor(t)
		require.NoError(t, p.AttachProxy(NewProxy("app")))
		p.processEvent(keys.Event{Key: key, State: keys.Pressed})
		assert.Equal(t, uint64(1), p.Metrics().EventsDropped.Value())
	})
}

func TestGlobalYieldsToNonmaskable(t *testing.T) {
	rec := &recorder{}
	p := newTestProcessor(t)
	proxy := NewProxy("phone")
	require.NoError(t, p.AttachProxy(proxy))

	require.NoError(t, p.SetGlobalCallback(keys.Prog2, action.New("open phone", rec.cb("global"))))
	require.NoError(t, proxy.SetNonmaskableCallback(keys.Prog2, rec.cb("nonmaskable")))

	p.processEvent(keys.Event{Key: keys.Prog2, State: keys.Pressed})
	assert.Equal(t, []string{"nonmaskable"}, rec.got())

	// Contexts without the claim get the global callback.
	p.AttachNewProxy(NewProxy("menu"))
	p.processEvent(keys.Event{Key: keys.Prog2, State: keys.Pressed})
	assert.Equal(t, []string{"nonmaskable", "global"}, rec.got())
}

func TestGlobalWithoutProxy(t *testing.T) {
	rec := &recorder{}
	p := newTestProcessor(t)
	require.NoError(t, p.SetGlobalCallback(keys.Prog1, rec.cb("global")))

	p.processEvent(keys.Event{Key: keys.Prog1})
	assert.Equal(t, []string{"global"}, rec.got())
}

func TestBacklightGate(t *testing.T) {
	rec := &recorder{}
	p := newTestProcessor(t)
	proxy := NewProxy("app")
	require.NoError(t, p.AttachProxy(proxy))

	off := true
	calls := 0
	p.SetBacklightGate(func() bool {
		calls++
		wasOff := off
		off = false
		return wasOff
	})

	proxy.SetCallback(keys.Key1, rec.cb("simple"))
	require.NoError(t, proxy.SetNonmaskableCallback(keys.Hangup, rec.cb("nonmaskable")))

	p.processEvent(keys.Event{Key: keys.Key1, State: keys.Pressed})
	assert.Empty(t, rec.got(), "first press only wakes the screen")
	assert.Equal(t, uint64(1), p.Metrics().EventsSwallowed.Value())

	p.processEvent(keys.Event{Key: keys.Key1, State: keys.Pressed})
	assert.Equal(t, []string{"simple"}, rec.got())

	off = true
	p.processEvent(keys.Event{Key: keys.Hangup, State: keys.Pressed})
	assert.Equal(t, []string{"simple", "nonmaskable"}, rec.got())
	assert.Equal(t, 2, calls, "nonmaskable keys bypass the gate")
}

func TestBacklightGatePanicDoesNotEatInput(t *testing.T) {
	rec := &recorder{}
	p := newTestProcessor(t)
	proxy := NewProxy("app")
	require.NoError(t, p.AttachProxy(proxy))
	proxy.SetCallback(keys.Key2, rec.cb("simple"))
	p.SetBacklightGate(func() bool { panic("sysfs gone") })

	p.processEvent(keys.Event{Key: keys.Key2, State: keys.Pressed})
	assert.Equal(t, []string{"simple"}, rec.got())
}

func TestReservedKeys(t *testing.T) {
	proxy := NewProxy("app")
	for _, k := range keys.Reserved() {
		assert.ErrorIs(t, proxy.SetMaskableCallback(k, action.Func(func() {})), ErrReservedKey, k)
		assert.ErrorIs(t, proxy.SetNonmaskableCallback(k, action.Func(func() {})), ErrReservedKey, k)

		proxy.SetCallback(k, action.Func(func() {}))
		assert.Contains(t, proxy.Keymap(), k)
	}
}

func TestSpecialCallbackConflicts(t *testing.T) {
	proxy := NewProxy("app")

	require.NoError(t, proxy.SetMaskableCallback(keys.F1, action.Func(func() {})))
	assert.ErrorIs(t, proxy.SetNonmaskableCallback(keys.F1, action.Func(func() {})), ErrAlreadyMaskable)

	require.NoError(t, proxy.SetNonmaskableCallback(keys.F2, action.Func(func() {})))
	assert.ErrorIs(t, proxy.SetMaskableCallback(keys.F2, action.Func(func() {})), ErrAlreadyNonmaskable)

	var cbErr *CallbackError
	err := proxy.SetNonmaskableCallback(keys.F1, action.Func(func() {}))
	require.True(t, errors.As(err, &cbErr))
	assert.Equal(t, AlreadyMaskable, cbErr.Kind)
	assert.Equal(t, "app", cbErr.Context)

	proxy.RemoveMaskableCallback(keys.F1)
	assert.NoError(t, proxy.SetNonmaskableCallback(keys.F1, action.Func(func() {})))
}

func TestSpecialCallbackOverwrite(t *testing.T) {
	p := newTestProcessor(t)
	proxy := NewProxy("app")
	require.NoError(t, p.AttachProxy(proxy))

	rec := &recorder{}
	require.NoError(t, proxy.SetMaskableCallback(keys.F1, rec.cb("first")))
	require.NoError(t, proxy.SetMaskableCallback(keys.F1, rec.cb("second")))
	require.NoError(t, proxy.SetNonmaskableCallback(keys.F2, rec.cb("third")))
	require.NoError(t, proxy.SetNonmaskableCallback(keys.F2, rec.cb("fourth")))

	assert.ErrorIs(t, proxy.SetMaskableCallback(keys.Enter, action.Func(func() {})), ErrReservedKey)
	assert.ErrorIs(t, proxy.SetNonmaskableCallback(keys.Enter, action.Func(func() {})), ErrReservedKey)

	p.processEvent(keys.Event{Key: keys.F1, State: keys.Pressed})
	p.processEvent(keys.Event{Key: keys.F2, State: keys.Pressed})
	assert.Equal(t, []string{"second", "fourth"}, rec.got())
}

func TestCallingConvention(t *testing.T) {
	states := []keys.State{keys.StateNone, keys.Pressed, keys.Held, keys.Released}

	t.Run("press only", func(t *testing.T) {
		p := newTestProcessor(t)
		proxy := NewProxy("app")
		require.NoError(t, p.AttachProxy(proxy))

		n := 0
		proxy.SetCallback(keys.Key5, action.Func(func() { n++ }))
		for _, st := range states {
			p.processEvent(keys.Event{Key: keys.Key5, State: st})
		}
		assert.Equal(t, 2, n)
		assert.Equal(t, uint64(2), p.Metrics().EventsSkipped.Value())
	})

	t.Run("wants state", func(t *testing.T) {
		p := newTestProcessor(t)
		proxy := NewProxy("app")
		require.NoError(t, p.AttachProxy(proxy))

		var got []keys.State
		proxy.SetCallback(keys.Key5, action.StateFunc(func(st keys.State) { got = append(got, st) }))
		for _, st := range states {
			p.processEvent(keys.Event{Key: keys.Key5, State: st})
		}
		assert.Equal(t, states, got)
	})
}

func TestStreamingReceivesKey(t *testing.T) {
	p := newTestProcessor(t)
	proxy := NewProxy("editor")
	require.NoError(t, p.AttachProxy(proxy))

	maskableCalled := false
	require.NoError(t, proxy.SetMaskableCallback(keys.F5, action.Func(func() { maskableCalled = true })))

	var streamed []keys.ID
	proxy.SetStreaming(action.KeyFunc(func(k keys.ID) { streamed = append(streamed, k) }))

	p.processEvent(keys.Event{Key: keys.Key7, State: keys.Pressed})
	assert.Equal(t, []keys.ID{keys.Key7}, streamed)
	assert.False(t, maskableCalled)

	proxy.RemoveStreaming()
	p.processEvent(keys.Event{Key: keys.Key7, State: keys.Pressed})
	assert.Len(t, streamed, 1)
}

func TestMalformedEventContained(t *testing.T) {
	p := newTestProcessor(t)
	proxy := NewProxy("app")
	require.NoError(t, p.AttachProxy(proxy))

	n := 0
	proxy.SetStreaming(action.KeyFunc(func(keys.ID) { n++ }))

	p.processEvent(keys.Event{Key: "enter"})
	p.processEvent(keys.Event{Key: keys.Enter, State: keys.State(42)})
	p.processEvent(keys.Event{Key: keys.Enter})

	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(2), p.Metrics().MalformedEvents.Value())
}

func TestHandlerFaultsContained(t *testing.T) {
	var faults []Fault
	cfg := testConfig()
	cfg.Faults = FaultReporterFunc(func(f Fault) { faults = append(faults, f) })

	d := newFakeDriver("virtual")
	p, err := New(cfg, nil, d)
	require.NoError(t, err)
	defer p.Close()

	proxy := NewProxy("broken-app")
	require.NoError(t, p.AttachProxy(proxy))

	proxy.SetCallback(keys.Key1, action.Func(func() { panic("boom") }).Named("explode"))
	proxy.SetCallback(keys.Key2, action.ErrFunc(func() error { return errors.New("sensor offline") }))

	done := make(chan struct{})
	proxy.SetCallback(keys.Key3, action.Func(func() { close(done) }))

	p.Listen()
	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			d.emit(keys.Key1, keys.Pressed)
		} else {
			d.emit(keys.Key2, keys.Pressed)
		}
	}
	d.emit(keys.Key3, keys.Pressed)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("working callback never ran")
	}

	assert.True(t, p.Listening())
	require.Len(t, faults, 100)
	assert.Equal(t, "explode", faults[0].Callback)
	assert.True(t, faults[0].Panic)
	assert.NotEmpty(t, faults[0].Stack)
	assert.Equal(t, "broken-app", faults[0].Context)
	assert.Equal(t, "simple", faults[0].Tier)
	assert.Equal(t, "sensor offline", faults[1].Error)
	assert.False(t, faults[1].Panic)
	assert.Equal(t, uint64(100), p.Metrics().HandlerFaults.Value())
}

func TestFaultCarriesActionName(t *testing.T) {
	var faults []Fault
	cfg := testConfig()
	cfg.Faults = FaultReporterFunc(func(f Fault) { faults = append(faults, f) })
	p, err := New(cfg, nil)
	require.NoError(t, err)
	defer p.Close()

	reboot := action.New("Reboot", action.ErrFunc(func() error { return errors.New("denied") }))
	require.NoError(t, p.SetGlobalCallback(keys.F5, reboot))
	p.processEvent(keys.Event{Key: keys.F5, State: keys.Pressed})

	require.Len(t, faults, 1)
	assert.Equal(t, "Reboot", faults[0].Callback)
	assert.Equal(t, "denied", faults[0].Error)
}

func TestEventsWaitForProxy(t *testing.T) {
	d := newFakeDriver("virtual")
	p := newTestProcessor(t, d)

	p.Listen()
	d.emit(keys.Enter, keys.StateNone)
	time.Sleep(30 * time.Millisecond)

	assert.True(t, p.Listening())
	assert.Equal(t, 1, p.QueueLen())

	got := make(chan keys.ID, 1)
	proxy := NewProxy("app")
	proxy.SetCallback(keys.Enter, action.KeyFunc(func(k keys.ID) { got <- k }))
	require.NoError(t, p.AttachProxy(proxy))

	select {
	case k := <-got:
		assert.Equal(t, keys.Enter, k)
	case <-time.After(5 * time.Second):
		t.Fatal("queued event not delivered")
	}
}

func TestEventOrderPreserved(t *testing.T) {
	d := newFakeDriver("virtual")
	p := newTestProcessor(t, d)

	proxy := NewProxy("app")
	require.NoError(t, p.AttachProxy(proxy))

	var mu sync.Mutex
	var got []keys.ID
	proxy.SetStreaming(action.KeyFunc(func(k keys.ID) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, k)
	}))

	want := []keys.ID{keys.Key1, keys.Key2, keys.Key3, keys.Key4, keys.Key5}
	for _, k := range want {
		d.emit(k, keys.Pressed)
	}
	p.Listen()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got)
}

func TestListenIsIdempotent(t *testing.T) {
	d := newFakeDriver("virtual")
	p := newTestProcessor(t, d)

	proxy := NewProxy("app")
	require.NoError(t, p.AttachProxy(proxy))

	entered := make(chan struct{})
	release := make(chan struct{})
	proxy.SetCallback(keys.Key1, action.Func(func() {
		close(entered)
		<-release
	}))

	p.Listen()
	p.loopMu.Lock()
	first := p.gen
	p.loopMu.Unlock()

	// Park the loop inside a callback so it cannot exit underneath us.
	d.emit(keys.Key1, keys.Pressed)
	<-entered

	p.Listen()
	p.StopListen()
	assert.False(t, p.Listening())
	p.Listen()

	p.loopMu.Lock()
	assert.Same(t, first, p.gen)
	p.loopMu.Unlock()
	assert.True(t, p.Listening())
	close(release)

	p.StopListen()
	p.Wait()
	assert.False(t, p.Listening())

	p.Listen()
	p.loopMu.Lock()
	assert.NotSame(t, first, p.gen)
	p.loopMu.Unlock()
}

func TestProxyListenGatedByFocus(t *testing.T) {
	f := &focus{ctx: "main"}
	p, err := New(testConfig(), f)
	require.NoError(t, err)
	defer p.Close()

	background := NewProxy("clock")
	p.RegisterProxy(background)

	background.Listen()
	assert.False(t, p.Listening())

	f.set("clock")
	background.Listen()
	assert.True(t, p.Listening())

	f.set("main")
	background.StopListen()
	assert.True(t, p.Listening())

	f.set("clock")
	background.StopListen()
	assert.False(t, p.Listening())
}

func TestKeymapOperations(t *testing.T) {
	proxy := NewProxy("app")
	one := action.Func(func() {})

	proxy.SetKeymap(map[keys.ID]action.Binding{keys.Left: one, keys.Down: one})
	proxy.UpdateKeymap(map[keys.ID]action.Binding{keys.Left: one, keys.Key1: one})
	assert.Len(t, proxy.Keymap(), 3)

	proxy.SetKeymap(map[keys.ID]action.Binding{keys.Key9: one})
	assert.Len(t, proxy.Keymap(), 1)
	assert.Contains(t, proxy.Keymap(), keys.Key9)

	proxy.ClearKeymap()
	assert.Empty(t, proxy.Keymap())

	// The caller's map is copied.
	m := map[keys.ID]action.Binding{keys.Key1: one}
	proxy.SetKeymap(m)
	m[keys.Key2] = one
	assert.Len(t, proxy.Keymap(), 1)
}
