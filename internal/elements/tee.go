package elements

import (
	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/packet"
)

func init() {
	engine.Register("Tee", func() engine.Element { return &Tee{} })
}

// Tee replicates every pushed packet onto all of its outputs: clones to
// outputs 1..n-1, the original to output 0. Clones share the buffer, so
// downstream writers must uniqueify.
type Tee struct {
	engine.Base
}

func (t *Tee) ClassName() string  { return "Tee" }
func (t *Tee) PortCount() string  { return "1/1-" }
func (t *Tee) Processing() string { return engine.ProcessingPush }

func (t *Tee) Push(_ int, p *packet.Packet) {
	n := t.NOutputs()
	for i := 1; i < n; i++ {
		if q := p.Clone(); q != nil {
			t.Output(i).Push(q)
		}
	}
	t.Output(0).Push(p)
}
