package opbus

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// RegistrationID identifies one handler registration.
type RegistrationID uuid.UUID

func (id RegistrationID) String() string { return uuid.UUID(id).String() }

// ParseRegistrationID parses the String form of a RegistrationID.
func ParseRegistrationID(s string) (RegistrationID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RegistrationID{}, err
	}
	return RegistrationID(u), nil
}

// Handler receives the decoded payload of a matching message. A returned
// error or a panic is reported and does not affect other handlers.
type Handler func(payload any) error

// RemoveTarget selects what RemoveListener removes: ByID or ByOpcode.
type RemoveTarget interface {
	removeTarget()
}

// ByID removes the single registration with this id.
type ByID RegistrationID

// ByOpcode removes every registration for this opcode.
type ByOpcode int

func (ByID) removeTarget()     {}
func (ByOpcode) removeTarget() {}

type registration struct {
	id      RegistrationID
	op      int
	handler Handler
}

// registry keeps registrations in insertion order.
type registry struct {
	mu      sync.RWMutex
	entries []registration
}

func (r *registry) add(op int, h Handler) RegistrationID {
	id := RegistrationID(uuid.New())
	r.mu.Lock()
	r.entries = append(r.entries, registration{id: id, op: op, handler: h})
	r.mu.Unlock()
	return id
}

func (r *registry) remove(target RemoveTarget) (int, error) {
	var match func(registration) bool
	switch t := target.(type) {
	case ByID:
		match = func(e registration) bool { return e.id == RegistrationID(t) }
	case ByOpcode:
		match = func(e registration) bool { return e.op == int(t) }
	default:
		return 0, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, match)
	return before - len(r.entries), nil
}

// snapshot copies the registrations for op so dispatch is unaffected by
// concurrent changes.
func (r *registry) snapshot(op int) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []registration
	for _, e := range r.entries {
		if e.op == op {
			out = append(out, e)
		}
	}
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = nil
	return n
}
