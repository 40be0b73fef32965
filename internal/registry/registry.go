// Package registry tracks every currently-open signalling connection and
// its metadata. The registry holds no durable state; entries live exactly
// as long as their sockets.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/vrdavis/signalling-server/internal/pairstore"
)

// ErrDuplicateHandle is returned by Register when a live entry already
// uses the same transport handle.
var ErrDuplicateHandle = errors.New("registry: duplicate connection handle")

// Role is the declared kind of a client device.
type Role string

const (
	RoleVR      Role = "vr"
	RoleDesktop Role = "desktop"
)

// State is the connection's position in the pairing lifecycle.
type State int

const (
	// StateConnected: socket open, no open envelope seen yet.
	StateConnected State = iota
	// StateIdentified: open received; about to branch on pairing status.
	StateIdentified
	// StateAwaitingCodeEntry: unpaired; device list sent, waiting for a code.
	StateAwaitingCodeEntry
	// StateAwaitingCodeConfirmation: a negotiation involving this connection
	// is in flight.
	StateAwaitingCodeConfirmation
	// StateAlreadyPaired: opened with a uuid that is already in the store.
	StateAlreadyPaired
	// StatePaired: pair confirmed during this connection's lifetime.
	StatePaired
	// StateDisconnected: terminal; the socket is gone.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateAwaitingCodeEntry:
		return "awaiting-code-entry"
	case StateAwaitingCodeConfirmation:
		return "awaiting-code-confirmation"
	case StateAlreadyPaired:
		return "already-paired"
	case StatePaired:
		return "paired"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Paired reports whether the state allows signalling relay traffic.
func (s State) Paired() bool {
	return s == StatePaired || s == StateAlreadyPaired
}

// Sender delivers one marshalled envelope to the connection's peer.
// Implementations must be safe for concurrent use; relayed envelopes are
// sent from other connections' handler goroutines.
type Sender interface {
	Send(data []byte) error
}

// Connection is the server-side record of one open client socket.
//
// Identity fields are set once by the open envelope but read concurrently
// by relay lookups from other connections, so access goes through the
// mutex-guarded accessors.
type Connection struct {
	handle string
	sender Sender

	mu    sync.Mutex
	id    string
	role  Role
	name  string
	state State
}

// NewConnection wraps a transport sender with a fresh server-assigned
// handle.
func NewConnection(sender Sender) *Connection {
	return &Connection{
		handle: uuid.NewString(),
		sender: sender,
		state:  StateConnected,
	}
}

// Handle returns the server-assigned transport handle.
func (c *Connection) Handle() string { return c.handle }

// Send forwards data to the underlying transport.
func (c *Connection) Send(data []byte) error { return c.sender.Send(data) }

// Identify records the client-supplied identity from the open envelope.
func (c *Connection) Identify(id string, role Role, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	c.role = role
	c.name = name
}

func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Connection) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Device returns the connection's identity as a store device.
func (c *Connection) Device() pairstore.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return pairstore.Device{Name: c.name, UUID: c.id}
}

// Registry is the mutex-guarded set of open connections, keyed by
// transport handle.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register adds the connection. No two live entries may share a handle.
func (r *Registry) Register(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.handle]; ok {
		return ErrDuplicateHandle
	}
	r.conns[c.handle] = c
	return nil
}

// Unregister removes the connection. Removing an absent connection is a
// no-op so double closes are harmless.
func (r *Registry) Unregister(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c.handle)
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// FindByIdentity returns the first open connection whose client-supplied
// id equals id. Connections that have not identified yet never match.
func (r *Registry) FindByIdentity(id string) (*Connection, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.ID() == id {
			return c, true
		}
	}
	return nil, false
}

// VRConnections returns all open connections with role vr.
func (r *Registry) VRConnections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Connection
	for _, c := range r.conns {
		if c.Role() == RoleVR {
			out = append(out, c)
		}
	}
	return out
}

// AvailableVRDevices lists the identities of open vr-role connections
// that have not paired during this session, shown to desktop clients
// that still need to pick a headset.
func (r *Registry) AvailableVRDevices() []pairstore.Device {
	conns := r.VRConnections()
	devices := make([]pairstore.Device, 0, len(conns))
	for _, c := range conns {
		if c.State().Paired() {
			continue
		}
		devices = append(devices, c.Device())
	}
	return devices
}
