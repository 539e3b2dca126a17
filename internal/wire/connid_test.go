package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnIDGeneratorIncreasesMonotonically(t *testing.T) {
	g := NewConnIDGenerator(7)
	first := g.Next()
	second := g.Next()
	assert.Equal(t, first+1, second)
}

func TestConnIDGeneratorEncodesBrokerPID(t *testing.T) {
	g := NewConnIDGenerator(7)
	id := g.Next()
	assert.Equal(t, uint64(70001), id)
}

func TestConnIDGeneratorsForDifferentBrokersDontCollide(t *testing.T) {
	a := NewConnIDGenerator(1)
	b := NewConnIDGenerator(2)
	assert.NotEqual(t, a.Next(), b.Next())
}
