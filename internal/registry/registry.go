package registry

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one live channel to one device of one user.
type Connection struct {
	Username  string
	BrowserID string
	Writer    Writer
}

// Registry maps (username, browserID) to the live connection for that device.
// It holds no durable state; after a restart clients reconnect and re-register.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*Connection
}

func New() *Registry {
	return &Registry{byUser: make(map[string]map[string]*Connection)}
}

// Register associates a connection with its identity. A previous connection
// for the same device is closed and replaced: last connection wins.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	devices := r.byUser[conn.Username]
	if devices == nil {
		devices = make(map[string]*Connection)
		r.byUser[conn.Username] = devices
	}
	prev := devices[conn.BrowserID]
	devices[conn.BrowserID] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		_ = prev.Writer.Close()
	}
}

// Unregister removes the entry for conn's device, unless the device has
// already been taken over by a newer connection.
func (r *Registry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	devices := r.byUser[conn.Username]
	if devices == nil || devices[conn.BrowserID] != conn {
		return
	}
	delete(devices, conn.BrowserID)
	if len(devices) == 0 {
		delete(r.byUser, conn.Username)
	}
}

// Lookup returns every live connection for a user, one per connected device.
func (r *Registry) Lookup(username string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := r.byUser[username]
	if len(devices) == 0 {
		return nil
	}
	conns := make([]*Connection, 0, len(devices))
	for _, c := range devices {
		conns = append(conns, c)
	}
	return conns
}

// LookupDevice returns the live connection for one specific device.
func (r *Registry) LookupDevice(username, browserID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byUser[username][browserID]
	return c, ok
}

// Push writes message to every live connection of a user, skipping the
// devices listed in except, and returns how many writes succeeded. Failed
// connections are closed and dropped. Writes happen outside the lock; a
// network push must never hold the registry.
func (r *Registry) Push(username string, message []byte, except ...string) int {
	conns := r.Lookup(username)

	skip := make(map[string]bool, len(except))
	for _, id := range except {
		skip[id] = true
	}

	delivered := 0
	for _, c := range conns {
		if skip[c.BrowserID] {
			continue
		}
		if err := c.Writer.Write(message); err != nil {
			_ = c.Writer.Close()
			r.Unregister(c)
			continue
		}
		delivered++
	}
	return delivered
}
