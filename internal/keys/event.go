package keys

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEvent is returned for events that are not a key or a
// key+state pair.
var ErrMalformedEvent = errors.New("malformed key event")

// SendFunc delivers a key event from a driver. Drivers that cannot report
// states pass StateNone.
type SendFunc func(key ID, state State)

// Event is a single key event travelling from a driver to the dispatcher.
type Event struct {
	Key   ID
	State State
}

// Validate checks the shape of the event.
func (e Event) Validate() error {
	if !e.Key.Valid() {
		return fmt.Errorf("%w: bad key %q", ErrMalformedEvent, string(e.Key))
	}
	if !e.State.Valid() {
		return fmt.Errorf("%w: bad state %d for %s", ErrMalformedEvent, int(e.State), e.Key)
	}
	return nil
}

// HasState reports whether the originating driver reported a state.
func (e Event) HasState() bool {
	return e.State != StateNone
}

func (e Event) String() string {
	if e.State == StateNone {
		return string(e.Key)
	}
	return string(e.Key) + ":" + e.State.String()
}

// ParseEvent parses either a bare key ("KEY_ENTER") or a key+state pair
// ("KEY_ENTER:pressed").
func ParseEvent(s string) (Event, error) {
	s = strings.TrimSpace(s)
	name, state, hasState := strings.Cut(s, ":")
	ev := Event{Key: ID(strings.ToUpper(name))}
	if hasState {
		st, err := ParseState(state)
		if err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if st == StateNone {
			return Event{}, fmt.Errorf("%w: empty state in %q", ErrMalformedEvent, s)
		}
		ev.State = st
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}
