package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/openjudge/arbiter/internal/model"
)

// ServerRegistry persists judge-worker endpoints in data/servers.json as an
// ordered list rewritten atomically. It is pure metadata; connections are
// the dispatcher's business.
type ServerRegistry struct {
	doc document
}

func NewServerRegistry(path string) *ServerRegistry {
	return &ServerRegistry{doc: document{path: path}}
}

// List returns all descriptors in registration order.
func (r *ServerRegistry) List(_ context.Context) ([]model.Server, error) {
	var all []model.Server
	if err := r.doc.load(&all); err != nil {
		return nil, err
	}
	return all, nil
}

// Get returns the descriptor with the given id.
func (r *ServerRegistry) Get(ctx context.Context, id string) (model.Server, error) {
	all, err := r.List(ctx)
	if err != nil {
		return model.Server{}, err
	}
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
}

// Add appends a descriptor, assigning an id from the current length when the
// caller omitted one. Returns the stored descriptor.
func (r *ServerRegistry) Add(_ context.Context, srv model.Server) (model.Server, error) {
	var all []model.Server
	err := r.doc.update(&all, func() error {
		if srv.ID == "" {
			srv.ID = strconv.Itoa(len(all))
		}
		for _, s := range all {
			if s.ID == srv.ID {
				return fmt.Errorf("server %s already registered", srv.ID)
			}
		}
		all = append(all, srv)
		return nil
	})
	return srv, err
}

// Remove deletes the descriptor with the given id.
func (r *ServerRegistry) Remove(_ context.Context, id string) error {
	var all []model.Server
	return r.doc.update(&all, func() error {
		for i, s := range all {
			if s.ID == id {
				all = append(all[:i], all[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	})
}
