package channel

import (
	"fmt"
)

// Service exposes a full name and per-method dispatch descriptors. The
// dispatch table is built once at registration; there is no reflection on the
// hot path.
type Service interface {
	Name() string
	Method(name string) (*MethodDesc, bool)
}

// MethodDesc describes one method: its request/response type constructors and
// the serving-side handler.
//
// NewRequest nil means the method takes no payload. NewResponse nil marks a
// one-way method: callers get fire-and-forget semantics and no transmission
// id is allocated. Handler is nil on descriptors used purely as call stubs.
type MethodDesc struct {
	Service string
	Name    string

	NewRequest  func() any
	NewResponse func() any

	// Handler receives the decoded request and a respond callback that must
	// be invoked at most once with the method's response value. A returned
	// error is converted to an error envelope, never a transport fault.
	Handler func(ctrl *Controller, req any, respond func(resp any) error) error
}

// ServiceDef is a map-backed Service for explicit method registration.
type ServiceDef struct {
	name    string
	methods map[string]*MethodDesc
}

func NewServiceDef(name string) *ServiceDef {
	return &ServiceDef{
		name:    name,
		methods: make(map[string]*MethodDesc),
	}
}

func (s *ServiceDef) Name() string {
	return s.name
}

func (s *ServiceDef) Method(name string) (*MethodDesc, bool) {
	desc, ok := s.methods[name]
	return desc, ok
}

// Register adds a method descriptor, stamping it with the service name.
// Duplicate method names are a configuration error.
func (s *ServiceDef) Register(desc *MethodDesc) error {
	if _, ok := s.methods[desc.Name]; ok {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateMethod, s.name, desc.Name)
	}
	desc.Service = s.name
	s.methods[desc.Name] = desc
	return nil
}

// MustRegister is Register for setup-time wiring; it panics on duplicates.
func (s *ServiceDef) MustRegister(desc *MethodDesc) *ServiceDef {
	if err := s.Register(desc); err != nil {
		panic(err)
	}
	return s
}
