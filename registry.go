package duplex

import "sync"

// registry maps connection ids to live server connections.
type registry struct {
	sync.RWMutex
	connections map[string]*Conn
}

func newRegistry() *registry {
	return &registry{connections: make(map[string]*Conn)}
}

func (r *registry) add(conn *Conn) {
	r.Lock()
	defer r.Unlock()

	r.connections[conn.ID()] = conn
}

// remove deletes id only if it still maps to conn.
func (r *registry) remove(conn *Conn) {
	r.Lock()
	defer r.Unlock()

	if r.connections[conn.ID()] == conn {
		delete(r.connections, conn.ID())
	}
}

func (r *registry) get(id string) (*Conn, bool) {
	r.RLock()
	defer r.RUnlock()

	conn, ok := r.connections[id]
	return conn, ok
}

func (r *registry) list() []*Conn {
	r.RLock()
	defer r.RUnlock()

	out := make([]*Conn, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

func (r *registry) len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.connections)
}
