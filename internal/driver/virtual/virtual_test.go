package virtual

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyshell/internal/driver"
	"keyshell/internal/keys"
)

func TestInject(t *testing.T) {
	k := New(nil, driver.Options{NameMapping: map[keys.ID]keys.ID{keys.Camera: keys.F5}})
	assert.Equal(t, "virtual", k.Kind())
	assert.Contains(t, k.AvailableKeys(), keys.F5)
	assert.NotContains(t, k.AvailableKeys(), keys.Camera)

	var got []keys.Event
	k.SetSendKey(func(id keys.ID, st keys.State) {
		got = append(got, keys.Event{Key: id, State: st})
	})

	assert.ErrorIs(t, k.Inject(keys.Event{Key: keys.F1}), ErrNotStarted)

	require.NoError(t, k.Start())
	require.NoError(t, k.Inject(keys.Event{Key: keys.F1}))
	require.NoError(t, k.Press(keys.Camera))
	assert.ErrorIs(t, k.Inject(keys.Event{Key: "F1"}), keys.ErrMalformedEvent)

	assert.Equal(t, []keys.Event{
		{Key: keys.F1},
		{Key: keys.F5, State: keys.Pressed},
		{Key: keys.F5, State: keys.Released},
	}, got)

	require.NoError(t, k.Stop())
	assert.ErrorIs(t, k.Press(keys.F1), ErrNotStarted)
}

func TestInjectWhileDisabled(t *testing.T) {
	k := New([]keys.ID{keys.F1}, driver.Options{})
	require.NoError(t, k.Start())

	n := 0
	k.SetSendKey(func(keys.ID, keys.State) { n++ })
	k.SetEnabled(false)
	require.NoError(t, k.Inject(keys.Event{Key: keys.F1, State: keys.Pressed}))
	assert.Zero(t, n)
}
