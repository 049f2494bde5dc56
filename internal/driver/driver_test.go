package driver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyshell/internal/keys"
)

type sink struct {
	mu  sync.Mutex
	got []keys.Event
}

func (s *sink) send(k keys.ID, st keys.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, keys.Event{Key: k, State: st})
}

func (s *sink) events() []keys.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]keys.Event(nil), s.got...)
}

func TestBaseMapping(t *testing.T) {
	b := NewBase("gpio", []keys.ID{keys.Up, keys.Down}, Options{
		NameMapping: map[keys.ID]keys.ID{keys.Down: keys.F4},
	})

	assert.Equal(t, "gpio", b.Kind())
	assert.Equal(t, []keys.ID{keys.Up, keys.F4}, b.AvailableKeys())

	s := &sink{}
	assert.Nil(t, b.SetSendKey(s.send))

	b.SendIndex(0, keys.Pressed)
	b.SendIndex(1, keys.Released)
	b.SendIndex(5, keys.Pressed)

	assert.Equal(t, []keys.Event{
		{Key: keys.Up, State: keys.Pressed},
		{Key: keys.F4, State: keys.Released},
	}, s.events())
}

func TestBaseCustomMapping(t *testing.T) {
	b := NewBase("pcf8574", []keys.ID{keys.Up}, Options{Mapping: []keys.ID{keys.F1, keys.F2}})
	assert.Equal(t, []keys.ID{keys.F1, keys.F2}, b.Mapping())

	k, ok := b.KeyAt(1)
	assert.True(t, ok)
	assert.Equal(t, keys.F2, k)

	_, ok = b.KeyAt(-1)
	assert.False(t, ok)
}

func TestBaseDisabledDropsEvents(t *testing.T) {
	b := NewBase("hid", nil, Options{})
	s := &sink{}
	b.SetSendKey(s.send)

	b.SetEnabled(false)
	assert.False(t, b.Enabled())
	b.MapAndSend(keys.F1, keys.Pressed)
	assert.Empty(t, s.events())

	b.SetEnabled(true)
	b.MapAndSend(keys.F1, keys.Pressed)
	assert.Len(t, s.events(), 1)
}

func TestBaseSetSendKeyReturnsPrevious(t *testing.T) {
	b := NewBase("virtual", nil, Options{})
	first, second := &sink{}, &sink{}

	b.SetSendKey(first.send)
	old := b.SetSendKey(second.send)
	require.NotNil(t, old)

	old(keys.F1, keys.Pressed)
	assert.Len(t, first.events(), 1)
}

func TestBaseReattachCallbacks(t *testing.T) {
	b := NewBase("pcf8574", nil, Options{})
	n := 0
	b.OnReattach(func() { panic("screen gone") })
	b.OnReattach(func() { n++ })

	b.Reattached()
	assert.Equal(t, 1, n)
}

func TestBaseKeysChangedCallbacks(t *testing.T) {
	b := NewBase("test", []keys.ID{keys.F1}, Options{})
	var calls atomic.Int32
	b.OnKeysChanged(func() { panic("boom") })
	b.OnKeysChanged(func() { calls.Add(1) })

	b.SetAvailableKeys([]keys.ID{keys.F1})
	assert.Equal(t, int32(0), calls.Load())

	b.SetAvailableKeys([]keys.ID{keys.F1, keys.F2})
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []keys.ID{keys.F1, keys.F2}, b.AvailableKeys())
}

func TestBaseRunHalt(t *testing.T) {
	b := NewBase("virtual", nil, Options{})
	started := make(chan struct{})

	require.NoError(t, b.Run(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	assert.True(t, b.Running())
	assert.ErrorIs(t, b.Run(func(context.Context) {}), ErrAlreadyRunning)

	b.Halt()
	assert.False(t, b.Running())
	b.Halt()
}

type flakyDevice struct {
	serves  atomic.Int32
	probes  atomic.Int32
	failFor int32
}

func (d *flakyDevice) Init() error { return nil }

func (d *flakyDevice) Probe() error {
	if d.probes.Add(1) <= d.failFor {
		return errors.New("nack")
	}
	return nil
}

func (d *flakyDevice) Serve(ctx context.Context) error {
	if d.serves.Add(1) == 1 {
		return errors.New("i2c read failed")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSupervisorReattach(t *testing.T) {
	dev := &flakyDevice{failFor: 2}
	var reattached atomic.Int32
	s := &Supervisor{
		Device:           dev,
		ProbeInterval:    time.Millisecond,
		MaxProbeInterval: 4 * time.Millisecond,
		OnReattach:       func() { reattached.Add(1) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return reattached.Load() == 1 && s.State() == StateAttached && dev.serves.Load() == 2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(3), dev.probes.Load())

	cancel()
	<-done
	assert.Equal(t, StateStopped, s.State())
}

func TestDeviceStateString(t *testing.T) {
	assert.Equal(t, "attached", StateAttached.String())
	assert.Equal(t, "detached", StateDetached.String())
	assert.Equal(t, "probing", StateProbing.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
