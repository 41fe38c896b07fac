// Package registry records which mode owns which services and GPU handles.
// The coordinator is its only writer; everything else reads.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"vizmon/internal/gpu"
	"vizmon/internal/models"
	"vizmon/internal/service"
)

var (
	ErrRegistrationConflict = errors.New("registration conflict")
	ErrNotOwned             = errors.New("resource not owned by mode")
)

// ConflictError reports an identity already registered under another mode,
// or a service name already taken by a different instance in the same mode.
type ConflictError struct {
	Kind      string
	ID        string
	Owner     models.Mode
	Requested models.Mode
}

func (e *ConflictError) Error() string {
	if e.Owner == e.Requested {
		return fmt.Sprintf("%s %q already registered under %s by another instance", e.Kind, e.ID, e.Owner)
	}
	return fmt.Sprintf("%s %q already registered under %s, cannot register under %s without transfer", e.Kind, e.ID, e.Owner, e.Requested)
}

func (e *ConflictError) Is(target error) bool { return target == ErrRegistrationConflict }

// Entry is a copy of one mode's registrations, in registration order.
type Entry struct {
	Mode        models.Mode
	Services    []service.Disposable
	Handles     []*gpu.Handle
	ActivatedAt time.Time
}

func (e Entry) Empty() bool { return len(e.Services) == 0 && len(e.Handles) == 0 }

type entry struct {
	services    []service.Disposable
	handles     []*gpu.Handle
	activatedAt time.Time
}

// Registry tracks services by instance and handles by ID. Service names are
// unique within a mode so they can address a service in Transfer and Owner.
type Registry struct {
	mu       sync.RWMutex
	entries  map[models.Mode]*entry
	services map[service.Disposable]models.Mode
	handles  map[string]models.Mode
}

func New() *Registry {
	return &Registry{
		entries:  make(map[models.Mode]*entry),
		services: make(map[service.Disposable]models.Mode),
		handles:  make(map[string]models.Mode),
	}
}

// Ensure creates the mode's entry if absent and stamps its activation time.
func (r *Registry) Ensure(mode models.Mode, activatedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(mode)
	e.activatedAt = activatedAt
}

func (r *Registry) entryLocked(mode models.Mode) *entry {
	e, ok := r.entries[mode]
	if !ok {
		e = &entry{}
		r.entries[mode] = e
	}
	return e
}

// RegisterService adds svc to mode's entry. Registering the same instance
// under the same mode again is a no-op; a different instance reusing a name
// already present in the mode is a conflict.
func (r *Registry) RegisterService(mode models.Mode, svc service.Disposable) error {
	if svc == nil {
		return errors.New("registry: nil service")
	}
	if !reflect.TypeOf(svc).Comparable() {
		return fmt.Errorf("registry: service %q: type %T is not comparable, register a pointer", svc.Name(), svc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.services[svc]; ok {
		if owner != mode {
			return &ConflictError{Kind: "service", ID: svc.Name(), Owner: owner, Requested: mode}
		}
		return nil
	}
	e := r.entryLocked(mode)
	if e.serviceIndex(svc.Name()) >= 0 {
		return &ConflictError{Kind: "service name", ID: svc.Name(), Owner: mode, Requested: mode}
	}
	e.services = append(e.services, svc)
	r.services[svc] = mode
	return nil
}

func (e *entry) serviceIndex(name string) int {
	for i, s := range e.services {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

func (r *Registry) RegisterHandle(mode models.Mode, h *gpu.Handle) error {
	if h == nil {
		return errors.New("registry: nil handle")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.handles[h.ID()]; ok {
		if owner != mode {
			return &ConflictError{Kind: "handle", ID: h.ID(), Owner: owner, Requested: mode}
		}
		return nil
	}
	e := r.entryLocked(mode)
	e.handles = append(e.handles, h)
	r.handles[h.ID()] = mode
	return nil
}

// EntriesFor returns a copy of mode's registrations.
func (r *Registry) EntriesFor(mode models.Mode) Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Entry{Mode: mode}
	e, ok := r.entries[mode]
	if !ok {
		return out
	}
	out.ActivatedAt = e.activatedAt
	if len(e.services) > 0 {
		out.Services = append([]service.Disposable(nil), e.services...)
	}
	if len(e.handles) > 0 {
		out.Handles = append([]*gpu.Handle(nil), e.handles...)
	}
	return out
}

// Each walks mode's registrations under the read lock without copying.
// Callbacks must not call back into the registry.
func (r *Registry) Each(mode models.Mode, onService func(service.Disposable), onHandle func(*gpu.Handle)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[mode]
	if !ok {
		return
	}
	if onService != nil {
		for _, s := range e.services {
			onService(s)
		}
	}
	if onHandle != nil {
		for _, h := range e.handles {
			onHandle(h)
		}
	}
}

// Clear drops mode's references without disposing anything. The entry itself
// is kept so a later activation reuses it from a clean slate.
func (r *Registry) Clear(mode models.Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[mode]
	if !ok {
		return
	}
	for _, s := range e.services {
		delete(r.services, s)
	}
	for _, h := range e.handles {
		delete(r.handles, h.ID())
	}
	e.services = nil
	e.handles = nil
	e.activatedAt = time.Time{}
}

// TransferService moves the service named name between modes explicitly.
func (r *Registry) TransferService(from, to models.Mode, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.entries[from]
	if !ok {
		return fmt.Errorf("service %q: %w %s", name, ErrNotOwned, from)
	}
	i := src.serviceIndex(name)
	if i < 0 {
		return fmt.Errorf("service %q: %w %s", name, ErrNotOwned, from)
	}
	dst := r.entryLocked(to)
	if from != to && dst.serviceIndex(name) >= 0 {
		return &ConflictError{Kind: "service name", ID: name, Owner: to, Requested: to}
	}
	s := src.services[i]
	src.services = append(src.services[:i:i], src.services[i+1:]...)
	dst.services = append(dst.services, s)
	r.services[s] = to
	return nil
}

// TransferHandle moves a GPU handle between modes explicitly.
func (r *Registry) TransferHandle(from, to models.Mode, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.handles[id]; !ok || owner != from {
		return fmt.Errorf("handle %q: %w %s", id, ErrNotOwned, from)
	}
	src := r.entries[from]
	for i, h := range src.handles {
		if h.ID() == id {
			src.handles = append(src.handles[:i:i], src.handles[i+1:]...)
			dst := r.entryLocked(to)
			dst.handles = append(dst.handles, h)
			r.handles[id] = to
			return nil
		}
	}
	return fmt.Errorf("handle %q: %w %s", id, ErrNotOwned, from)
}

// Modes returns the modes that currently own at least one resource.
func (r *Registry) Modes() []models.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Mode, 0, len(r.entries))
	for _, m := range models.AllModes {
		if e, ok := r.entries[m]; ok && (len(e.services) > 0 || len(e.handles) > 0) {
			out = append(out, m)
		}
	}
	for m, e := range r.entries {
		if isKnown(m) {
			continue
		}
		if len(e.services) > 0 || len(e.handles) > 0 {
			out = append(out, m)
		}
	}
	return out
}

// Owner returns the mode a handle ID, or a service name, is registered under.
// Different modes may hold services with the same name; the first in
// AllModes order wins.
func (r *Registry) Owner(kind, id string) (models.Mode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case "service":
		return r.serviceOwnerLocked(id)
	case "handle":
		m, ok := r.handles[id]
		return m, ok
	default:
		return "", false
	}
}

func (r *Registry) serviceOwnerLocked(name string) (models.Mode, bool) {
	for _, m := range models.AllModes {
		if e, ok := r.entries[m]; ok && e.serviceIndex(name) >= 0 {
			return m, true
		}
	}
	for m, e := range r.entries {
		if !isKnown(m) && e.serviceIndex(name) >= 0 {
			return m, true
		}
	}
	return "", false
}

func isKnown(m models.Mode) bool {
	for _, k := range models.AllModes {
		if k == m {
			return true
		}
	}
	return false
}

// Transfer moves the service or handle identified by id from one mode to
// another. Service names in from are tried before handle IDs.
func (r *Registry) Transfer(from, to models.Mode, id string) error {
	r.mu.RLock()
	e, ok := r.entries[from]
	isService := ok && e.serviceIndex(id) >= 0
	r.mu.RUnlock()
	if isService {
		return r.TransferService(from, to, id)
	}
	return r.TransferHandle(from, to, id)
}
