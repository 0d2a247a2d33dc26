package alertserver

import "sync"

// subscription is the fan-out target for one named trigger: every client
// that has subscribed to it receives a copy of every pushed alert.
// Mirrors alert_server.c's Subscription struct (minus the dlist, since Go
// maps serve the same "set of clients" role).
type subscription struct {
	oid     int64
	name    string
	clients map[*client]struct{}
}

func newSubscription(oid int64, name string) *subscription {
	return &subscription{oid: oid, name: name, clients: make(map[*client]struct{})}
}

// registry tracks the live set of subscriptions, keyed both by the OID a
// trigger fires under and the name clients subscribe by. Mirrors
// alert_server.c's find_subscription_by_name / find_subscription_by_oid.
type registry struct {
	mu      sync.Mutex
	byOID   map[int64]*subscription
	byName  map[string]*subscription
}

func newRegistry() *registry {
	return &registry{
		byOID:  make(map[int64]*subscription),
		byName: make(map[string]*subscription),
	}
}

func (r *registry) add(oid int64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byOID[oid]; ok {
		return
	}
	s := newSubscription(oid, name)
	r.byOID[oid] = s
	r.byName[name] = s
}

// remove drops the subscription and returns the clients that were
// attached to it, so the caller can notify them outside the lock.
func (r *registry) remove(oid int64) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byOID[oid]
	if !ok {
		return nil
	}
	delete(r.byOID, oid)
	delete(r.byName, s.name)

	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (r *registry) subscribe(name string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byName[name]
	if !ok {
		return false
	}
	if s.clients == nil {
		s.clients = make(map[*client]struct{})
	}
	s.clients[c] = struct{}{}
	return true
}

func (r *registry) unsubscribe(name string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byName[name]
	if !ok {
		return false
	}
	if _, ok := s.clients[c]; !ok {
		return false
	}
	delete(s.clients, c)
	return true
}

// clientsFor returns a snapshot of the clients subscribed to oid.
func (r *registry) clientsFor(oid int64) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byOID[oid]
	if !ok {
		return nil
	}
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}
