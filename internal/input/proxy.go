package input

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"keyshell/internal/action"
	"keyshell/internal/keys"
)

// Proxy holds the keymaps of one context. The dispatch loop reads them
// while the owning context mutates them, so every access goes through mu.
//
// Simple callbacks are the context's ordinary bindings and are replaced
// wholesale by SetKeymap. Maskable callbacks yield to simple ones. Nonmaskable
// callbacks win over simple ones and over the backlight gate, and are never
// cleared.
type Proxy struct {
	context string
	logger  *slog.Logger

	mu            sync.RWMutex
	keymap        map[keys.ID]action.Binding
	maskable      map[keys.ID]action.Binding
	nonmaskable   map[keys.ID]action.Binding
	streaming     action.Binding
	availableKeys map[string][]keys.ID
	proc          *Processor
}

// NewProxy creates an empty proxy for a context.
func NewProxy(contextID string) *Proxy {
	return &Proxy{
		context:     contextID,
		logger:      slog.Default().With("component", "input", "context", contextID),
		keymap:      make(map[keys.ID]action.Binding),
		maskable:    make(map[keys.ID]action.Binding),
		nonmaskable: make(map[keys.ID]action.Binding),
	}
}

// Context returns the context this proxy belongs to.
func (p *Proxy) Context() string {
	return p.context
}

// SetCallback binds a simple callback, replacing any previous one.
func (p *Proxy) SetCallback(key keys.ID, b action.Binding) {
	p.sanityCheck(key, b)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keymap[key] = b
}

// RemoveCallback removes a simple callback.
func (p *Proxy) RemoveCallback(key keys.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keymap, key)
}

// SetMaskableCallback binds a callback that fires unless the keymap has a
// simple callback for the same key.
func (p *Proxy) SetMaskableCallback(key keys.ID, b action.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkSpecialLocked(key, TierMaskable); err != nil {
		return err
	}
	p.sanityCheck(key, b)
	p.maskable[key] = b
	return nil
}

// RemoveMaskableCallback removes a maskable callback.
func (p *Proxy) RemoveMaskableCallback(key keys.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.maskable, key)
}

// SetNonmaskableCallback binds a callback that fires even when the keymap
// has a simple callback for the same key, and even while the backlight is
// off.
func (p *Proxy) SetNonmaskableCallback(key keys.ID, b action.Binding) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkSpecialLocked(key, TierNonmaskable); err != nil {
		return err
	}
	p.sanityCheck(key, b)
	p.nonmaskable[key] = b
	return nil
}

// SetStreaming installs the hook that receives every key no keymap handles.
// It replaces the previous hook.
func (p *Proxy) SetStreaming(b action.Binding) {
	if cb := action.Unwrap(b); !cb.IsNil() && !cb.Convention().TakesKey() {
		p.logger.Warn("streaming callback does not take the key", "callback", cb.Name())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = b
}

// RemoveStreaming removes the streaming hook.
func (p *Proxy) RemoveStreaming() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = nil
}

// SetKeymap replaces the simple keymap.
func (p *Proxy) SetKeymap(m map[keys.ID]action.Binding) {
	for k, b := range m {
		p.sanityCheck(k, b)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keymap = maps.Clone(m)
	if p.keymap == nil {
		p.keymap = make(map[keys.ID]action.Binding)
	}
}

// UpdateKeymap adds or replaces the given bindings and leaves the rest of the
// keymap intact.
func (p *Proxy) UpdateKeymap(m map[keys.ID]action.Binding) {
	for k, b := range m {
		p.sanityCheck(k, b)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	merged := maps.Clone(p.keymap)
	maps.Copy(merged, m)
	p.keymap = merged
}

// ClearKeymap removes every simple callback.
func (p *Proxy) ClearKeymap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keymap = make(map[keys.ID]action.Binding)
}

// Keymap returns a copy of the simple keymap.
func (p *Proxy) Keymap() map[keys.ID]action.Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return maps.Clone(p.keymap)
}

// AvailableKeys returns the keys each attached driver can produce, as of the
// last registry change.
func (p *Proxy) AvailableKeys() map[string][]keys.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	m := make(map[string][]keys.ID, len(p.availableKeys))
	for name, ks := range p.availableKeys {
		m[name] = slices.Clone(ks)
	}
	return m
}

// Listen starts the dispatch loop, but only while this proxy's context has
// focus.
func (p *Proxy) Listen() {
	if proc := p.processor(); proc != nil {
		proc.proxyCall(p.context, "listen", proc.Listen)
	}
}

// StopListen stops the dispatch loop, but only while this proxy's context
// has focus.
func (p *Proxy) StopListen() {
	if proc := p.processor(); proc != nil {
		proc.proxyCall(p.context, "stop_listen", proc.StopListen)
	}
}

func (p *Proxy) processor() *Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.proc == nil {
		p.logger.Warn("proxy is not registered with a processor")
	}
	return p.proc
}

func (p *Proxy) setProcessor(proc *Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proc = proc
}

func (p *Proxy) setAvailableKeys(m map[string][]keys.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availableKeys = m
}

func (p *Proxy) lookup(tier Tier, key keys.ID) (action.Binding, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var m map[keys.ID]action.Binding
	switch tier {
	case TierNonmaskable:
		m = p.nonmaskable
	case TierSimple:
		m = p.keymap
	case TierMaskable:
		m = p.maskable
	default:
		return nil, false
	}
	b, ok := m[key]
	return b, ok
}

func (p *Proxy) streamingHook() action.Binding {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.streaming
}

// checkSpecialLocked rejects reserved keys and keys already bound in the
// other special keymap. Binding a key again in the same keymap overwrites it.
func (p *Proxy) checkSpecialLocked(key keys.ID, tier Tier) error {
	if keys.IsReserved(key) {
		return &CallbackError{Kind: ReservedKey, Key: key, Context: p.context}
	}
	if _, ok := p.nonmaskable[key]; ok && tier == TierMaskable {
		return &CallbackError{Kind: AlreadyNonmaskable, Key: key, Context: p.context}
	}
	if _, ok := p.maskable[key]; ok && tier == TierNonmaskable {
		return &CallbackError{Kind: AlreadyMaskable, Key: key, Context: p.context}
	}
	return nil
}

// sanityCheck warns about bindings that will never do anything, and about
// deprecated keys.
func (p *Proxy) sanityCheck(key keys.ID, b action.Binding) {
	if action.Unwrap(b).IsNil() {
		p.logger.Warn("callback for key is nil", "key", key)
	}
	if keys.IsDeprecated(key) {
		p.logger.Warn("key is deprecated, use with caution", "key", key)
	}
}
