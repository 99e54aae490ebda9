// Package registry tracks the logical endpoints bound to a BLE peripheral
// and derives the GATT service/characteristic tree they compose.
package registry

import (
	"slices"
	"strings"
	"sync"
)

// Capability is a set of characteristic operations an endpoint supports.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapWriteWithoutResponse
	CapNotify
)

// Has reports whether all bits of o are set in c.
func (c Capability) Has(o Capability) bool { return c&o == o }

func (c Capability) String() string {
	var parts []string
	for _, p := range []struct {
		c    Capability
		name string
	}{
		{CapRead, "read"},
		{CapWrite, "write"},
		{CapWriteWithoutResponse, "writeWithoutResponse"},
		{CapNotify, "notify"},
	} {
		if c.Has(p.c) {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// WriteHandler receives a fully reassembled value written by a central.
type WriteHandler func(value any)

// EventKind identifies a structural change.
type EventKind int

const (
	EndpointAdded EventKind = iota
	CharacteristicRemoved
	ServiceRemoved
)

func (k EventKind) String() string {
	switch k {
	case EndpointAdded:
		return "endpoint-added"
	case CharacteristicRemoved:
		return "characteristic-removed"
	case ServiceRemoved:
		return "service-removed"
	default:
		return "unknown"
	}
}

// Event describes one structural change of the tree.
type Event struct {
	Kind           EventKind
	EndpointID     string
	Service        string
	Characteristic string
}

// Characteristic is a read-only snapshot of one characteristic slot.
type Characteristic struct {
	UID          string
	OnWrite      WriteHandler
	Capabilities Capability
	Handle       *Handle
}

// Service is a read-only snapshot of one service and its characteristics.
type Service struct {
	UID             string
	Characteristics []Characteristic
}

type charSlot struct {
	Characteristic
	owners []string // endpoint ids sharing the slot, first registrant first
}

type serviceDef struct {
	uid   string
	chars []*charSlot
}

type endpointRef struct {
	service string
	char    string
}

// Registry is the set of endpoints for one peripheral. Safe for concurrent
// use; listeners are invoked after the registry lock is released.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]endpointRef
	services  []*serviceDef

	lmu       sync.Mutex
	listeners map[int]func(Event)
	nextID    int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		endpoints: make(map[string]endpointRef),
		listeners: make(map[int]func(Event)),
	}
}

// NormalizeUID strips separators and lowercases a UUID string so
// "19B10000-E8F2-..." and "19b10000e8f2..." address the same slot.
func NormalizeUID(uid string) string {
	return strings.ToLower(strings.NewReplacer("-", "", ":", "", " ", "").Replace(strings.TrimSpace(uid)))
}

// Subscribe registers fn for structural-change events and returns a
// function that removes it.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.lmu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.lmu.Unlock()

	return func() {
		r.lmu.Lock()
		delete(r.listeners, id)
		r.lmu.Unlock()
	}
}

func (r *Registry) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	r.lmu.Lock()
	ids := make([]int, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.lmu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Register adds an endpoint on (service, characteristic) and returns its
// handle. When the pair already has a slot, the existing slot and handle
// are shared and the first registrant's write handler and capabilities
// stay in effect. Re-registering an id moves it to the new pair.
func (r *Registry) Register(id, service, characteristic string, onWrite WriteHandler, caps Capability) *Handle {
	svcUID := NormalizeUID(service)
	charUID := NormalizeUID(characteristic)

	r.mu.Lock()
	var events []Event
	if prev, ok := r.endpoints[id]; ok {
		if prev.service == svcUID && prev.char == charUID {
			h := r.find(svcUID, charUID).Handle
			r.mu.Unlock()
			return h
		}
		events = r.remove(id, prev)
	}

	r.endpoints[id] = endpointRef{service: svcUID, char: charUID}

	svc := r.service(svcUID)
	if svc == nil {
		svc = &serviceDef{uid: svcUID}
		r.services = append(r.services, svc)
	}

	slot := r.find(svcUID, charUID)
	if slot == nil {
		slot = &charSlot{Characteristic: Characteristic{
			UID:          charUID,
			OnWrite:      onWrite,
			Capabilities: caps,
			Handle:       newHandle(),
		}}
		svc.chars = append(svc.chars, slot)
	}
	slot.owners = append(slot.owners, id)
	h := slot.Handle
	r.mu.Unlock()

	events = append(events, Event{Kind: EndpointAdded, EndpointID: id, Service: svcUID, Characteristic: charUID})
	r.emit(events)
	return h
}

// Unregister removes the endpoint. Its characteristic slot is dropped once
// no endpoint shares it any more, and the service once it has no
// characteristics left. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	ref, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	events := r.remove(id, ref)
	r.mu.Unlock()

	r.emit(events)
}

// remove drops id from its slot. Caller holds r.mu.
func (r *Registry) remove(id string, ref endpointRef) []Event {
	delete(r.endpoints, id)

	svcIdx := slices.IndexFunc(r.services, func(s *serviceDef) bool { return s.uid == ref.service })
	if svcIdx < 0 {
		return nil
	}
	svc := r.services[svcIdx]
	charIdx := slices.IndexFunc(svc.chars, func(c *charSlot) bool { return c.UID == ref.char })
	if charIdx < 0 {
		return nil
	}

	slot := svc.chars[charIdx]
	slot.owners = slices.DeleteFunc(slot.owners, func(o string) bool { return o == id })
	if len(slot.owners) > 0 {
		return nil
	}

	slot.Handle.Unbind()
	svc.chars = slices.Delete(svc.chars, charIdx, charIdx+1)
	events := []Event{{Kind: CharacteristicRemoved, EndpointID: id, Service: ref.service, Characteristic: ref.char}}

	if len(svc.chars) == 0 {
		r.services = slices.Delete(r.services, svcIdx, svcIdx+1)
		events = append(events, Event{Kind: ServiceRemoved, EndpointID: id, Service: ref.service})
	}
	return events
}

func (r *Registry) service(uid string) *serviceDef {
	for _, s := range r.services {
		if s.uid == uid {
			return s
		}
	}
	return nil
}

func (r *Registry) find(svcUID, charUID string) *charSlot {
	svc := r.service(svcUID)
	if svc == nil {
		return nil
	}
	for _, c := range svc.chars {
		if c.UID == charUID {
			return c
		}
	}
	return nil
}

// Lookup returns the handle for an endpoint id.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref, ok := r.endpoints[id]
	if !ok {
		return nil, false
	}
	slot := r.find(ref.service, ref.char)
	if slot == nil {
		return nil, false
	}
	return slot.Handle, true
}

// Services returns a snapshot of the current tree in registration order.
func (r *Registry) Services() []Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Service, 0, len(r.services))
	for _, s := range r.services {
		svc := Service{UID: s.uid, Characteristics: make([]Characteristic, 0, len(s.chars))}
		for _, c := range s.chars {
			svc.Characteristics = append(svc.Characteristics, c.Characteristic)
		}
		out = append(out, svc)
	}
	return out
}

// ServiceUIDs returns the uids of all services in registration order.
func (r *Registry) ServiceUIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s.uid)
	}
	return out
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.endpoints)
}
