package broker

import "time"

// ConnState is a connection record's position in the state machine from
// spec.md section 4.5.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ClientRecord is the broker-side record of a registered client process.
type ClientRecord struct {
	PID           uint64
	Name          string
	LastHeartbeat time.Time
}

// Subscription is a per-connection, per-symbol record of active channels
// and the clients holding it.
type Subscription struct {
	Symbol      string
	ChannelBits uint32
	Clients     map[uint64]struct{}
}

func newSubscription(symbol string, channelBits uint32) *Subscription {
	return &Subscription{Symbol: symbol, ChannelBits: channelBits, Clients: map[uint64]struct{}{}}
}

// Connection is the broker-side record of one upstream WebSocket, keyed by
// both its id and its (URL, key) pair per spec.md invariant 2.
type Connection struct {
	ID    uint64
	URL   string
	Key   string
	State ConnState

	Clients       map[uint64]struct{}
	Subscriptions map[string]*Subscription
}

func newConnection(id uint64, url, key string) *Connection {
	return &Connection{
		ID:            id,
		URL:           url,
		Key:           key,
		State:         StateConnecting,
		Clients:       map[uint64]struct{}{},
		Subscriptions: map[string]*Subscription{},
	}
}

// connKey identifies a connection by its dedup key.
type connKey struct {
	url string
	key string
}

// registry holds every piece of mutable broker state. It is touched only
// from the reactor goroutine, so it carries no locks (spec.md section 5).
type registry struct {
	clients      map[uint64]*ClientRecord
	connsByID    map[uint64]*Connection
	connsByKey   map[connKey]*Connection
	shutdownTime time.Time // zero value means "not scheduled"
}

func newRegistry() *registry {
	return &registry{
		clients:    map[uint64]*ClientRecord{},
		connsByID:  map[uint64]*Connection{},
		connsByKey: map[connKey]*Connection{},
	}
}

func (r *registry) findConnByKey(url, key string) *Connection {
	return r.connsByKey[connKey{url: url, key: key}]
}

// insertConn installs a newly created connection in both indices, keeping
// spec.md invariant 2 (by-id and by-key indices agree) intact.
func (r *registry) insertConn(c *Connection) {
	r.connsByID[c.ID] = c
	r.connsByKey[connKey{url: c.URL, key: c.Key}] = c
}

// eraseConn removes a connection from both indices. The by-key entry is
// only removed while it still points at c, so erasing a closed connection
// never drops a newer connection opened for the same (url, key).
func (r *registry) eraseConn(c *Connection) {
	delete(r.connsByID, c.ID)
	k := connKey{url: c.URL, key: c.Key}
	if r.connsByKey[k] == c {
		delete(r.connsByKey, k)
	}
}
