package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservedKeys(t *testing.T) {
	for _, k := range []ID{Up, Down, Left, Right, Enter} {
		assert.True(t, IsReserved(k), "%s should be reserved", k)
	}
	assert.False(t, IsReserved(F1))
	assert.False(t, IsReserved(Prog2))
	assert.Len(t, Reserved(), 5)
}

func TestDeprecatedKeys(t *testing.T) {
	assert.True(t, IsDeprecated(PageUp))
	assert.True(t, IsDeprecated(PageDown))
	assert.False(t, IsDeprecated(Enter))
}

func TestParseState(t *testing.T) {
	tests := []struct {
		input    string
		expected State
		hasError bool
	}{
		{"pressed", Pressed, false},
		{"PRESSED", Pressed, false},
		{"released", Released, false},
		{"held", Held, false},
		{"repeat", Held, false},
		{"", StateNone, false},
		{"sideways", StateNone, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			st, err := ParseState(test.input)
			if test.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, st)
		})
	}
}

func TestStateFromEvdev(t *testing.T) {
	st, ok := StateFromEvdev(0)
	assert.True(t, ok)
	assert.Equal(t, Released, st)

	st, ok = StateFromEvdev(2)
	assert.True(t, ok)
	assert.Equal(t, Held, st)

	_, ok = StateFromEvdev(7)
	assert.False(t, ok)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent("KEY_ENTER")
	require.NoError(t, err)
	assert.Equal(t, Event{Key: Enter}, ev)
	assert.False(t, ev.HasState())

	ev, err = ParseEvent("key_prog2:held")
	require.NoError(t, err)
	assert.Equal(t, Event{Key: Prog2, State: Held}, ev)
	assert.Equal(t, "KEY_PROG2:held", ev.String())

	_, err = ParseEvent("ENTER")
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = ParseEvent("KEY_1:bogus")
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, Event{Key: F1, State: Pressed}.Validate())
	assert.ErrorIs(t, Event{}.Validate(), ErrMalformedEvent)
	assert.ErrorIs(t, Event{Key: F1, State: State(42)}.Validate(), ErrMalformedEvent)
}

func TestAllKeysValid(t *testing.T) {
	for _, k := range All() {
		assert.True(t, k.Valid(), string(k))
	}
	assert.Contains(t, All(), Prog2)
}

func TestValidAgainstVocabulary(t *testing.T) {
	tests := []struct {
		key  ID
		want bool
	}{
		{F1, true},
		{Star, true},
		{"", false},
		{"KEY_", false},
		{"F1", false},
		{"KEY_BOGUS", false},
		{"KEY_F1+KEY_F2", true},
		{"KEY_F1+KEY_BOGUS", false},
		{"KEY_F1+", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.key.Valid(), string(tt.key))
	}

	_, err := ParseEvent("KEY_BOGUS")
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestRegister(t *testing.T) {
	custom := ID("KEY_SHUTTER_HALF")
	assert.False(t, custom.Valid())

	Register(custom, "NOT_A_KEY")
	assert.True(t, custom.Valid())
	assert.False(t, ID("NOT_A_KEY").Valid())
	assert.NotContains(t, All(), custom)
}
