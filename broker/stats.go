package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker-lifetime counters with plain atomics; the event loop
// is the only writer, and the reactor's single-goroutine discipline means
// these never need a mutex either, but atomics also let an unrelated
// stats-reporting goroutine read them safely.
type Stats struct {
	startTime time.Time

	clientsRegistered atomic.Uint64
	clientsEvicted    atomic.Uint64
	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64

	framesFromUpstream atomic.Uint64
	framesToClients    atomic.Uint64
	bytesFromUpstream  atomic.Uint64

	requestsFailed atomic.Uint64
}

// NewStats returns a Stats instance with its uptime clock started.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementClientsRegistered() { s.clientsRegistered.Add(1) }
func (s *Stats) IncrementClientsEvicted()    { s.clientsEvicted.Add(1) }
func (s *Stats) IncrementConnectionsOpened() { s.connectionsOpened.Add(1) }
func (s *Stats) IncrementConnectionsClosed() { s.connectionsClosed.Add(1) }
func (s *Stats) IncrementFramesFromUpstream() { s.framesFromUpstream.Add(1) }
func (s *Stats) IncrementFramesToClients()   { s.framesToClients.Add(1) }
func (s *Stats) AddBytesFromUpstream(n uint64) { s.bytesFromUpstream.Add(n) }
func (s *Stats) IncrementRequestsFailed()    { s.requestsFailed.Add(1) }

func (s *Stats) GetClientsRegistered() uint64 { return s.clientsRegistered.Load() }
func (s *Stats) GetClientsEvicted() uint64    { return s.clientsEvicted.Load() }
func (s *Stats) GetConnectionsOpened() uint64 { return s.connectionsOpened.Load() }
func (s *Stats) GetConnectionsClosed() uint64 { return s.connectionsClosed.Load() }
func (s *Stats) GetFramesFromUpstream() uint64 { return s.framesFromUpstream.Load() }
func (s *Stats) GetFramesToClients() uint64   { return s.framesToClients.Load() }
func (s *Stats) GetBytesFromUpstream() uint64 { return s.bytesFromUpstream.Load() }
func (s *Stats) GetRequestsFailed() uint64    { return s.requestsFailed.Load() }
func (s *Stats) GetUptime() time.Duration     { return time.Since(s.startTime) }
