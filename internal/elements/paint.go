package elements

import (
	"strconv"

	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/internal/packet"
	"github.com/prxssh/flume/pkg/confparse"
)

func init() {
	engine.Register("Paint", func() engine.Element { return &Paint{} })
}

// Paint stamps the paint annotation of every passing packet with a
// configured color. Classifiers downstream can branch on it without
// touching packet data.
//
// Positional argument: COLOR (0-255), required.
type Paint struct {
	engine.Base

	color byte
}

func (pe *Paint) ClassName() string { return "Paint" }

func (pe *Paint) Configure(args []string, eh *errh.ErrorHandler) error {
	if len(args) != 1 {
		return eh.Errorf("expected COLOR")
	}

	_, val, _ := confparse.Keyword(args[0])
	n, err := confparse.Int(val)
	if err != nil {
		return eh.Errorf("COLOR: %v", err)
	}
	if n < 0 || n > 255 {
		return eh.Errorf("COLOR must be 0-255")
	}
	pe.color = byte(n)

	return nil
}

func (pe *Paint) SimpleAction(p *packet.Packet) *packet.Packet {
	p.SetPaint(pe.color)
	return p
}

func (pe *Paint) AddHandlers() {
	r := pe.Router()
	r.AddReadHandler(pe, "color", func(engine.Element, any) (string, error) {
		return strconv.Itoa(int(pe.color)), nil
	}, nil, engine.HandlerCalm)
	r.AddWriteHandler(pe, "color", func(_ engine.Element, value string, _ any, eh *errh.ErrorHandler) error {
		n, err := confparse.Int(value)
		if err != nil || n < 0 || n > 255 {
			return eh.Errorf("COLOR must be 0-255")
		}
		pe.color = byte(n)
		return nil
	}, nil)
}
