package authority

import "isocity/internal/sim/city"

// Registry holds the active canonical worlds. Only the authority loop touches
// it; a world is active exactly while something needs it live (an attached
// session), otherwise it lives in the store.
type Registry struct {
	byID    map[string]*city.World
	byOwner map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*city.World),
		byOwner: make(map[string]string),
	}
}

func (r *Registry) Get(id string) *city.World { return r.byID[id] }

func (r *Registry) FindByOwner(userID string) *city.World {
	id, ok := r.byOwner[userID]
	if !ok {
		return nil
	}
	return r.byID[id]
}

func (r *Registry) Activate(w *city.World) {
	r.byID[w.ID] = w
	r.byOwner[w.Owner] = w.ID
}

func (r *Registry) Deactivate(id string) {
	w, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.byOwner[w.Owner] == id {
		delete(r.byOwner, w.Owner)
	}
}

// All returns the active worlds in no particular order.
func (r *Registry) All() []*city.World {
	out := make([]*city.World, 0, len(r.byID))
	for _, w := range r.byID {
		out = append(out, w)
	}
	return out
}

func (r *Registry) Len() int { return len(r.byID) }
