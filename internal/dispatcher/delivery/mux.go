package delivery

import (
	"context"
	"net/url"
	"strings"
)

// Mux dispatches to the transport registered for the target's scheme.
type Mux struct {
	transports map[string]Deliverer
}

func NewMux() *Mux {
	return &Mux{transports: make(map[string]Deliverer)}
}

// Handle registers d for each scheme.
func (m *Mux) Handle(d Deliverer, schemes ...string) *Mux {
	for _, scheme := range schemes {
		m.transports[strings.ToLower(scheme)] = d
	}
	return m
}

func (m *Mux) Deliver(ctx context.Context, target string, req Request) (Result, error) {
	u, err := url.Parse(target)
	if err != nil {
		return Result{}, &Failure{Message: "invalid target " + target, Err: err}
	}
	d, ok := m.transports[strings.ToLower(u.Scheme)]
	if !ok {
		return Result{}, &Failure{Message: "unsupported target scheme " + u.Scheme}
	}
	return d.Deliver(ctx, target, req)
}
