// Package registry maps (service, opcode) pairs to handlers and tracks which
// services are registered.
package registry

import (
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrUnsupported       = errors.New("not supported")
)

// Request is one received message as handed to a Handler.
type Request struct {
	Service uint8
	Opcode  uint8
	Index   uint8
	Payload []byte
	// File is a descriptor that arrived with the message, if any. The handler
	// owns it.
	File *os.File
}

// Handler handles one (service, opcode). On a command path it must answer
// exactly once, with a response or an error.
type Handler interface {
	Handle(req Request)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(req Request)

// Handle calls f(req).
func (f HandlerFunc) Handle(req Request) {
	f(req)
}

type key struct {
	service uint8
	opcode  uint8
}

// Registry is safe for concurrent use; dispatch usually runs on a receive
// goroutine while registration happens on the owner's.
type Registry struct {
	mu         sync.RWMutex
	handlers   map[key]Handler
	registered map[uint8]bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		handlers:   map[key]Handler{},
		registered: map[uint8]bool{},
	}
}

// Register adds a single handler and marks its service registered. A second
// handler for the same key is rejected.
func (r *Registry) Register(service, opcode uint8, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{service, opcode}
	if _, ok := r.handlers[k]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "service %d opcode 0x%02x", service, opcode)
	}
	r.handlers[k] = h
	r.registered[service] = true
	return nil
}

// RegisterService moves service from Unregistered to Registered, installing
// all of handlers at once. handlers may be empty for services that only track
// state.
func (r *Registry) RegisterService(service uint8, handlers map[uint8]Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registered[service] {
		return errors.Wrapf(ErrAlreadyRegistered, "service %d", service)
	}
	for op, h := range handlers {
		r.handlers[key{service, op}] = h
	}
	r.registered[service] = true
	return nil
}

// UnregisterService removes every handler of service in one step.
func (r *Registry) UnregisterService(service uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered[service] {
		return errors.Wrapf(ErrNotRegistered, "service %d", service)
	}
	for k := range r.handlers {
		if k.service == service {
			delete(r.handlers, k)
		}
	}
	delete(r.registered, service)
	return nil
}

// IsRegistered reports the lifecycle state of service.
func (r *Registry) IsRegistered(service uint8) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registered[service]
}

// Services lists registered services in ascending order.
func (r *Registry) Services() []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	//nolint:prealloc
	var out []uint8
	for s := range r.registered {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Opcodes lists the opcodes with a handler under service in ascending order.
func (r *Registry) Opcodes(service uint8) []uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []uint8
	for k := range r.handlers {
		if k.service == service {
			out = append(out, k.opcode)
		}
	}
	slices.Sort(out)
	return out
}

// CommandMask returns a little-endian bitmask with bit n set when opcode n has
// a handler under service, sized to hold the highest such opcode.
func (r *Registry) CommandMask(service uint8) []byte {
	return Mask(r.Opcodes(service))
}

// Mask builds a little-endian bitmask with bit n set for each n in bits. It
// is at least one byte long.
func Mask(bits []uint8) []byte {
	if len(bits) == 0 {
		return []byte{0}
	}
	mask := make([]byte, int(slices.Max(bits))/8+1)
	for _, b := range bits {
		mask[b/8] |= 1 << (b % 8)
	}
	return mask
}

// Lookup returns the handler for (service, opcode).
func (r *Registry) Lookup(service, opcode uint8) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key{service, opcode}]
	return h, ok
}

// Dispatch runs the matching handler. It returns ErrUnsupported when nothing
// is registered for the key; what to do then is up to the caller.
func (r *Registry) Dispatch(req Request) error {
	h, ok := r.Lookup(req.Service, req.Opcode)
	if !ok {
		return errors.Wrapf(ErrUnsupported, "service %d opcode 0x%02x", req.Service, req.Opcode)
	}
	h.Handle(req)
	return nil
}

// Reset unregisters everything and returns the services that were registered.
func (r *Registry) Reset() []uint8 {
	services := r.Services()
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.handlers)
	clear(r.registered)
	return services
}
