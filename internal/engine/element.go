package engine

import (
	"log/slog"

	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/internal/packet"
)

// CleanupStage tells Cleanup how far bring-up progressed, so an element
// can skip undoing work it never did.
type CleanupStage int

const (
	CleanupNone CleanupStage = iota
	CleanupConfigured
	CleanupInitialized
	CleanupRunning
)

// Processing codes, one per port in a Processing() declaration.
const (
	CodePush     = 'h'
	CodePull     = 'l'
	CodeAgnostic = 'a'
)

// Common descriptor strings.
const (
	ProcessingAgnostic = "a/a"
	ProcessingPush     = "h/h"
	ProcessingPull     = "l/l"
	ProcessingPushPull = "h/l"
	ProcessingPullPush = "l/h"

	// FlowDefault declares every input reaches every output.
	FlowDefault = "x/x"
)

// Element is the contract every processing node satisfies. Concrete
// elements embed Base, which supplies working defaults for everything
// except ClassName, and override the hooks they care about.
//
// Configure is called exactly once, before ports are bound; Initialize
// after the router has bound all ports and before any packet flows;
// Cleanup exactly once with the furthest stage reached. Push, Pull and
// SimpleAction are the dataflow hooks; they run on the worker thread
// that scheduled the transfer and must not block.
type Element interface {
	ClassName() string
	PortCount() string
	Processing() string
	FlowCode() string
	Flags() string

	Configure(args []string, eh *errh.ErrorHandler) error
	Initialize(eh *errh.ErrorHandler) error
	Cleanup(stage CleanupStage)

	// AddHandlers registers the element's read/write handlers with its
	// router's handler table.
	AddHandlers()

	Push(port int, p *packet.Packet)
	Pull(port int) *packet.Packet
	SimpleAction(p *packet.Packet) *packet.Packet

	// Cast exposes optional capabilities by name (e.g. CastEmptyNotifier).
	// Returns nil when the element does not provide the capability.
	Cast(name string) any

	// TakeState adopts live state from the same-named, same-class
	// element of the router being replaced during a hotswap.
	TakeState(old Element, eh *errh.ErrorHandler)

	Name() string

	base() *Base
}

// Base carries the per-instance wiring the router manages: name, port
// slices, home thread and back references. Embed it by value; the
// promoted methods satisfy most of the Element interface.
type Base struct {
	self       Element
	router     *Router
	name       string
	log        *slog.Logger
	inputs     []Port
	outputs    []Port
	homeThread int
}

func (b *Base) base() *Base { return b }

// attach is called by the router when the element is added to it.
func (b *Base) attach(self Element, r *Router, name string) {
	b.self = self
	b.router = r
	b.name = name
	b.log = r.log.With("element", name)
}

func (b *Base) Name() string         { return b.name }
func (b *Base) Router() *Router      { return b.router }
func (b *Base) Log() *slog.Logger    { return b.log }
func (b *Base) NInputs() int         { return len(b.inputs) }
func (b *Base) NOutputs() int        { return len(b.outputs) }
func (b *Base) HomeThread() int      { return b.homeThread }
func (b *Base) SetHomeThread(id int) { b.homeThread = id }

// Input returns the i'th input port. Only pull inputs may be pulled
// from; the router has validated orientations by the time packets flow.
func (b *Base) Input(i int) *Port { return &b.inputs[i] }

// Output returns the i'th output port.
func (b *Base) Output(i int) *Port { return &b.outputs[i] }

// Default descriptor set: one agnostic input, one agnostic output,
// every input reaching every output.

func (b *Base) PortCount() string  { return "1/1" }
func (b *Base) Processing() string { return ProcessingAgnostic }
func (b *Base) FlowCode() string   { return FlowDefault }
func (b *Base) Flags() string      { return "" }

func (b *Base) Configure(args []string, eh *errh.ErrorHandler) error {
	if len(args) > 0 {
		return eh.Errorf("takes no configuration arguments")
	}
	return nil
}

func (b *Base) Initialize(*errh.ErrorHandler) error { return nil }
func (b *Base) Cleanup(CleanupStage)                {}
func (b *Base) AddHandlers()                        {}
func (b *Base) Cast(string) any                     { return nil }
func (b *Base) TakeState(Element, *errh.ErrorHandler) {}

// Push is the default push hook: route the packet through SimpleAction
// and forward it on the same-numbered output. Elements with real push
// semantics override this.
func (b *Base) Push(port int, p *packet.Packet) {
	if q := b.self.SimpleAction(p); q != nil {
		b.Output(port).Push(q)
	}
}

// Pull is the default pull hook: demand a packet from the same-numbered
// input and route it through SimpleAction.
func (b *Base) Pull(port int) *packet.Packet {
	p := b.Input(port).Pull()
	if p == nil {
		return nil
	}
	return b.self.SimpleAction(p)
}

// SimpleAction is the default 1-in/1-out transform: pass through.
func (b *Base) SimpleAction(p *packet.Packet) *packet.Packet { return p }

// Selectable is the contract I/O driver elements implement to receive
// readiness callbacks for their file descriptors. The engine only
// declares the contract; maintaining a poll set and dispatching
// Selected is the concern of the driver adapter that owns the
// descriptors. Callbacks must hop into the engine through a task's
// pending queue, never into a runqueue directly.
type Selectable interface {
	Selected(fd int, readable, writable bool)
}
