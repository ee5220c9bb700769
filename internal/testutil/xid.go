package testutil

import (
	"encoding/binary"
	"sync"

	"github.com/roach88/txmon/internal/xa"
)

// SequenceGenerator generates XIDs whose global ids count up from 1.
//
// This enables deterministic test execution and golden trace comparison:
// the same scenario always produces the same XIDs in the same order.
//
// Thread-safety: Generate is safe for concurrent use.
type SequenceGenerator struct {
	mu  sync.Mutex
	seq uint64
}

// NewSequenceGenerator creates a generator whose first XID has global id 1.
func NewSequenceGenerator() *SequenceGenerator {
	return &SequenceGenerator{}
}

// Generate implements xa.Generator.
func (g *SequenceGenerator) Generate() xa.XID {
	g.mu.Lock()
	g.seq++
	n := g.seq
	g.mu.Unlock()
	return SeqXID(n)
}

// SeqXID returns the XID the generator produces for n. The global id is n
// as 8 big-endian bytes, the branch qualifier is empty.
func SeqXID(n uint64) xa.XID {
	gtrid := make([]byte, 8)
	binary.BigEndian.PutUint64(gtrid, n)
	return xa.XID{FormatID: xa.FormatID, GTRID: gtrid, BQUAL: []byte{}}
}
