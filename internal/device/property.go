package device

import (
	"reflect"
	"sync"
	"time"
)

// propertyEvents is implemented by the owning Handle so property changes
// reach the handle's subscribers.
type propertyEvents interface {
	propertySetValueChanged(name string, value any, dirty bool)
	propertyRealValueChanged(name string, value any, dirty bool, timestamp int64)
	propertyConfirmed(name string, timestamp int64, accepted bool)
	propertyMetadataChanged(name, key string, value any)
}

// Property tracks a single device property. A property is dirty when a
// client wrote a target value that has not yet been delivered to the
// device. The real value is the last value the device itself reported.
type Property struct {
	mu        sync.RWMutex
	name      string
	metadata  map[string]any
	realValue any
	setValue  any
	dirty     bool
	timestamp int64

	events propertyEvents
}

func newProperty(name string, events propertyEvents) *Property {
	return &Property{name: name, metadata: map[string]any{}, events: events}
}

// newPropertyFromMap restores a property from its persisted form.
func newPropertyFromMap(name string, data map[string]any, events propertyEvents) *Property {
	p := newProperty(name, events)
	p.realValue = data["val"]
	p.setValue = data["setVal"]
	p.dirty, _ = data["dirty"].(bool)
	if ts, ok := data["timestamp"].(float64); ok {
		p.timestamp = int64(ts)
	}
	if md, ok := data["metadata"].(map[string]any); ok {
		p.metadata = md
	}
	return p
}

func (p *Property) Name() string { return p.name }

// Value returns the target value while the property is dirty, the device
// confirmed value otherwise.
func (p *Property) Value() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.dirty {
		return p.setValue
	}
	return p.realValue
}

// RealValue returns the last value confirmed by the device.
func (p *Property) RealValue() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realValue
}

// SetValue returns the last target value written by a client.
func (p *Property) SetValue() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.setValue
}

func (p *Property) Dirty() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dirty
}

// ConfirmedTimestamp returns when the device last reported this property.
func (p *Property) ConfirmedTimestamp() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timestamp
}

// setTargetValue records a client write and marks the property dirty.
func (p *Property) setTargetValue(value any) {
	p.mu.Lock()
	p.setValue = value
	p.dirty = true
	p.mu.Unlock()
	if p.events != nil {
		p.events.propertySetValueChanged(p.name, value, true)
	}
}

// setRealValue records a value reported by the device. Unless keepDirty is
// set, the dirty flag is cleared: the device has seen the change request,
// whether or not it accepted the target value.
func (p *Property) setRealValue(value any, keepDirty bool) {
	p.mu.Lock()
	confirmed := false
	accepted := false
	if !keepDirty {
		p.dirty = false
		confirmed = true
		accepted = reflect.DeepEqual(value, p.setValue)
	}
	p.realValue = value
	p.timestamp = time.Now().UnixMilli()
	dirty := p.dirty
	ts := p.timestamp
	p.mu.Unlock()
	if p.events != nil {
		p.events.propertyRealValueChanged(p.name, value, dirty, ts)
		if confirmed {
			p.events.propertyConfirmed(p.name, ts, accepted)
		}
	}
}

// Accepted reports whether the device confirmed the last target value.
func (p *Property) Accepted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return !p.dirty && reflect.DeepEqual(p.realValue, p.setValue)
}

// SetMetadata stores an auxiliary value for this property, for example a
// unit string or a display name.
func (p *Property) SetMetadata(key string, value any) {
	p.mu.Lock()
	p.metadata[key] = value
	p.mu.Unlock()
	if p.events != nil {
		p.events.propertyMetadataChanged(p.name, key, value)
	}
}

func (p *Property) Metadata() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	md := make(map[string]any, len(p.metadata))
	for k, v := range p.metadata {
		md[k] = v
	}
	return md
}

// toMap returns the persisted form of this property.
func (p *Property) toMap() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]any{
		"name":      p.name,
		"val":       p.realValue,
		"setVal":    p.setValue,
		"timestamp": p.timestamp,
		"dirty":     p.dirty,
		"metadata":  p.metadata,
	}
}
