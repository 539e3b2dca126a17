package wire

// ConnIDGenerator produces connection ids composed as broker_pid*10000 +
// counter, so ids stay globally unique across a broker restart without any
// persisted state: a restarted broker starts its counter at 1 again, and
// since PIDs are not reused instantaneously by the OS, ids from a dead
// broker's generation are never observably reissued while a client that
// remembers one is still running.
type ConnIDGenerator struct {
	brokerPID uint64
	counter   uint64
}

// NewConnIDGenerator seeds a generator for the given broker process id.
func NewConnIDGenerator(brokerPID uint64) *ConnIDGenerator {
	return &ConnIDGenerator{brokerPID: brokerPID}
}

// Next returns the next connection id for this broker's lifetime.
func (g *ConnIDGenerator) Next() uint64 {
	g.counter++
	return g.brokerPID*10000 + g.counter
}
