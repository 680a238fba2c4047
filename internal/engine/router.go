package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/pkg/bitfield"
)

// RouterState is the lifecycle of one configuration.
type RouterState int32

const (
	RouterNew RouterState = iota
	RouterConfigured
	RouterInitialized
	RouterRunning
	RouterDead
)

func (s RouterState) String() string {
	switch s {
	case RouterNew:
		return "new"
	case RouterConfigured:
		return "configured"
	case RouterInitialized:
		return "initialized"
	case RouterRunning:
		return "running"
	case RouterDead:
		return "dead"
	default:
		return "unknown"
	}
}

// connection is one hookup edge, by element index.
type connection struct {
	from, fromPort int
	to, toPort     int
}

type portRef struct {
	elt, port int
}

// Router owns one configuration: the element vector, the hookup, the
// handler table and the task/timer registries. Build it with AddElement
// and Connect, bring it up with Initialize, then hand it to the master.
// After Initialize succeeds the element vector and hookup are immutable.
type Router struct {
	ID       uuid.UUID
	master   *Master
	log      *slog.Logger
	registry *Registry

	elements []Element
	names    map[string]int
	configs  [][]string

	connections []connection
	flowCodes   []flowCode
	procIn      [][]byte
	procOut     [][]byte

	state atomic.Int32

	handlerMut sync.RWMutex
	handlers   map[string]map[string]*Handler

	taskMut sync.Mutex
	tasks   []*Task
	timers  []*Timer
}

// NewRouter creates an empty configuration bound to m. A nil registry
// uses the process-wide default.
func (m *Master) NewRouter(registry *Registry) *Router {
	if registry == nil {
		registry = DefaultRegistry
	}

	id := uuid.New()
	r := &Router{
		ID:       id,
		master:   m,
		log:      m.log.With("router", id.String()[:8]),
		registry: registry,
		names:    make(map[string]int),
		handlers: make(map[string]map[string]*Handler),
	}
	r.addGlobalHandlers()

	return r
}

func (r *Router) State() RouterState {
	return RouterState(r.state.Load())
}

func (r *Router) Master() *Master    { return r.master }
func (r *Router) Log() *slog.Logger  { return r.log }
func (r *Router) NElements() int     { return len(r.elements) }
func (r *Router) Elements() []Element {
	return append([]Element(nil), r.elements...)
}

// Element finds an element by instance name.
func (r *Router) Element(name string) (Element, bool) {
	idx, ok := r.names[name]
	if !ok {
		return nil, false
	}
	return r.elements[idx], true
}

func (r *Router) indexOf(e Element) (int, bool) {
	idx, ok := r.names[e.Name()]
	return idx, ok
}

// AddElement instantiates class by name from the registry and adds it
// under the given instance name with its configuration arguments.
func (r *Router) AddElement(class, name string, args ...string) (Element, error) {
	ctor, ok := r.registry.Lookup(class)
	if !ok {
		return nil, fmt.Errorf("unknown element class %q", class)
	}
	e := ctor()
	if err := r.AddElementInstance(e, name, args...); err != nil {
		return nil, err
	}
	return e, nil
}

// AddElementInstance adds a pre-built element. Useful for elements not
// registered under a class name, e.g. test probes.
func (r *Router) AddElementInstance(e Element, name string, args ...string) error {
	if r.State() != RouterNew {
		return fmt.Errorf("cannot add elements in state %s", r.State())
	}
	if name == "" {
		return fmt.Errorf("empty element name")
	}
	if strings.ContainsAny(name, ". \t\n") {
		return fmt.Errorf("bad element name %q", name)
	}
	if _, exists := r.names[name]; exists {
		return fmt.Errorf("duplicate element name %q", name)
	}

	e.base().attach(e, r, name)
	r.names[name] = len(r.elements)
	r.elements = append(r.elements, e)
	r.configs = append(r.configs, append([]string(nil), args...))

	return nil
}

// Connect records the hookup edge from output fromPort of element from
// to input toPort of element to.
func (r *Router) Connect(from string, fromPort int, to string, toPort int) error {
	if r.State() != RouterNew {
		return fmt.Errorf("cannot connect in state %s", r.State())
	}

	fi, ok := r.names[from]
	if !ok {
		return fmt.Errorf("unknown element %q", from)
	}
	ti, ok := r.names[to]
	if !ok {
		return fmt.Errorf("unknown element %q", to)
	}
	if fromPort < 0 || toPort < 0 {
		return fmt.Errorf("negative port in %s[%d] -> [%d]%s", from, fromPort, toPort, to)
	}

	conn := connection{from: fi, fromPort: fromPort, to: ti, toPort: toPort}
	for _, c := range r.connections {
		if c == conn {
			return fmt.Errorf("duplicate connection %s[%d] -> [%d]%s",
				from, fromPort, toPort, to)
		}
	}
	r.connections = append(r.connections, conn)

	return nil
}

// upstreamOf lists the (element, output port) pairs feeding input
// inPort of element idx.
func (r *Router) upstreamOf(idx, inPort int) []portRef {
	var refs []portRef
	for _, c := range r.connections {
		if c.to == idx && c.toPort == inPort {
			refs = append(refs, portRef{elt: c.from, port: c.fromPort})
		}
	}
	return refs
}

// downstreamOf lists the (element, input port) pairs fed by output
// outPort of element idx.
func (r *Router) downstreamOf(idx, outPort int) []portRef {
	var refs []portRef
	for _, c := range r.connections {
		if c.from == idx && c.fromPort == outPort {
			refs = append(refs, portRef{elt: c.to, port: c.toPort})
		}
	}
	return refs
}

// Initialize brings the configuration to a runnable state: configure
// every element, validate the hookup, resolve agnostic ports, bind
// ports, then run element initializers. It is all-or-nothing: on any
// error the partially initialized elements are cleaned up and the
// router is left dead.
func (r *Router) Initialize(eh *errh.ErrorHandler) error {
	if r.State() != RouterNew {
		return eh.Errorf("router already %s", r.State())
	}

	stage := CleanupNone
	fail := func() error {
		r.state.Store(int32(RouterDead))
		for _, e := range r.elements {
			e.Cleanup(stage)
		}
		return fmt.Errorf("router initialization failed:\n%s", eh.Messages())
	}

	r.sizePorts()

	// configure in order, collecting every element's errors before
	// giving up so the operator sees them all at once
	before := eh.NErrors()
	for i, e := range r.elements {
		ctxEh := eh.Context(e.Name())
		pre := eh.NErrors()
		if err := e.Configure(r.configs[i], ctxEh); err != nil && eh.NErrors() == pre {
			ctxEh.Errorf("configure failed: %v", err)
		}
	}
	if eh.NErrors() > before {
		return fail()
	}
	stage = CleanupConfigured
	r.state.Store(int32(RouterConfigured))

	if !r.checkHookup(eh) {
		return fail()
	}
	if !r.resolveProcessing(eh) {
		return fail()
	}
	r.bindPorts()

	// handlers first, so initializers may already call peers' handlers
	for _, e := range r.elements {
		r.addElementHandlers(e)
		e.AddHandlers()
	}

	for _, e := range r.elements {
		ctxEh := eh.Context(e.Name())
		beforeInit := eh.NErrors()
		if err := e.Initialize(ctxEh); err != nil && eh.NErrors() == beforeInit {
			ctxEh.Errorf("initialize failed: %v", err)
		}
		if eh.NErrors() > beforeInit {
			stage = CleanupInitialized
			return fail()
		}
	}

	stage = CleanupInitialized
	r.state.Store(int32(RouterInitialized))
	r.log.Info("router initialized",
		"elements", len(r.elements), "connections", len(r.connections))

	return nil
}

// sizePorts derives each element's port counts from the hookup and
// allocates the port slices.
func (r *Router) sizePorts() {
	nin := make([]int, len(r.elements))
	nout := make([]int, len(r.elements))
	for _, c := range r.connections {
		if c.fromPort+1 > nout[c.from] {
			nout[c.from] = c.fromPort + 1
		}
		if c.toPort+1 > nin[c.to] {
			nin[c.to] = c.toPort + 1
		}
	}

	for i, e := range r.elements {
		b := e.base()
		b.inputs = make([]Port, nin[i])
		b.outputs = make([]Port, nout[i])
		for p := range b.inputs {
			b.inputs[p].owner = e
		}
		for p := range b.outputs {
			b.outputs[p].owner = e
		}
	}
}

// checkHookup validates port ranges, contiguity and duplicate-free
// connections against every element's PortCount declaration.
func (r *Router) checkHookup(eh *errh.ErrorHandler) bool {
	ok := true
	r.flowCodes = make([]flowCode, len(r.elements))

	for i, e := range r.elements {
		b := e.base()
		inSpec, outSpec, err := parsePortCount(e.PortCount())
		if err != nil {
			eh.Context(e.Name()).Errorf("%v", err)
			ok = false
			continue
		}
		if !inSpec.allows(b.NInputs()) {
			eh.Context(e.Name()).Errorf("has %d input ports, needs %s",
				b.NInputs(), inSpec)
			ok = false
		}
		if !outSpec.allows(b.NOutputs()) {
			eh.Context(e.Name()).Errorf("has %d output ports, needs %s",
				b.NOutputs(), outSpec)
			ok = false
		}

		// every port below the derived count must be connected
		inUsed := bitfield.New(b.NInputs())
		outUsed := bitfield.New(b.NOutputs())
		for _, c := range r.connections {
			if c.to == i {
				inUsed.Set(c.toPort)
			}
			if c.from == i {
				outUsed.Set(c.fromPort)
			}
		}
		if gap := inUsed.FirstClear(b.NInputs()); gap >= 0 {
			eh.Context(e.Name()).Errorf("input port %d not connected", gap)
			ok = false
		}
		if gap := outUsed.FirstClear(b.NOutputs()); gap >= 0 {
			eh.Context(e.Name()).Errorf("output port %d not connected", gap)
			ok = false
		}

		fc, err := parseFlowCode(e.FlowCode())
		if err != nil {
			eh.Context(e.Name()).Errorf("%v", err)
			ok = false
			continue
		}
		r.flowCodes[i] = fc
	}

	return ok
}

// resolveProcessing assigns a concrete orientation to every port: fixed
// declarations propagate across connections and across same-numbered
// agnostic port pairs inside an element, iterated to a fixed point;
// surviving agnostic ports become push. Conflicts and arity violations
// (a push output or pull input with other than exactly one connection)
// are configuration errors.
func (r *Router) resolveProcessing(eh *errh.ErrorHandler) bool {
	n := len(r.elements)
	r.procIn = make([][]byte, n)
	r.procOut = make([][]byte, n)

	for i, e := range r.elements {
		b := e.base()
		in, out, err := parseProcessing(e.Processing(), b.NInputs(), b.NOutputs())
		if err != nil {
			eh.Context(e.Name()).Errorf("%v", err)
			return false
		}
		r.procIn[i], r.procOut[i] = in, out
	}

	set := func(codes []byte, port int, c byte) (changed, conflict bool) {
		switch codes[port] {
		case CodeAgnostic:
			codes[port] = c
			return true, false
		case c:
			return false, false
		default:
			return false, true
		}
	}

	for changed := true; changed; {
		changed = false
		for _, c := range r.connections {
			out := r.procOut[c.from][c.fromPort]
			in := r.procIn[c.to][c.toPort]
			if out == in {
				continue
			}
			if out != CodeAgnostic && in != CodeAgnostic {
				eh.Errorf("processing conflict at %s[%d] (%s) -> [%d]%s (%s)",
					r.elements[c.from].Name(), c.fromPort, codeName(out),
					c.toPort, r.elements[c.to].Name(), codeName(in))
				return false
			}
			if out != CodeAgnostic {
				ch, _ := set(r.procIn[c.to], c.toPort, out)
				changed = changed || ch
			} else {
				ch, _ := set(r.procOut[c.from], c.fromPort, in)
				changed = changed || ch
			}
		}

		// agnostic paths through an element are uniform: tie each
		// resolved port to the same-numbered (or last) agnostic port
		// on the other side
		for i := range r.elements {
			in, out := r.procIn[i], r.procOut[i]
			tie := func(from, to []byte, j int) {
				if len(to) == 0 {
					return
				}
				k := j
				if k >= len(to) {
					k = len(to) - 1
				}
				if from[j] != CodeAgnostic && to[k] == CodeAgnostic {
					to[k] = from[j]
					changed = true
				}
			}
			for j := range in {
				tie(in, out, j)
			}
			for j := range out {
				tie(out, in, j)
			}
		}
	}

	// policy: surviving agnostic ports push
	for i := range r.elements {
		for j := range r.procIn[i] {
			if r.procIn[i][j] == CodeAgnostic {
				r.procIn[i][j] = CodePush
			}
		}
		for j := range r.procOut[i] {
			if r.procOut[i][j] == CodeAgnostic {
				r.procOut[i][j] = CodePush
			}
		}
	}

	ok := true
	for _, c := range r.connections {
		out := r.procOut[c.from][c.fromPort]
		in := r.procIn[c.to][c.toPort]
		if out != in {
			eh.Errorf("processing conflict at %s[%d] (%s) -> [%d]%s (%s)",
				r.elements[c.from].Name(), c.fromPort, codeName(out),
				c.toPort, r.elements[c.to].Name(), codeName(in))
			ok = false
		}
	}

	// arity: push outputs and pull inputs drive exactly one peer
	for i, e := range r.elements {
		for j := range r.procOut[i] {
			if r.procOut[i][j] == CodePush && len(r.downstreamOf(i, j)) != 1 {
				eh.Context(e.Name()).Errorf(
					"push output %d must have exactly one connection", j)
				ok = false
			}
		}
		for j := range r.procIn[i] {
			if r.procIn[i][j] == CodePull && len(r.upstreamOf(i, j)) != 1 {
				eh.Context(e.Name()).Errorf(
					"pull input %d must have exactly one connection", j)
				ok = false
			}
		}
	}

	return ok
}

func codeName(c byte) string {
	switch c {
	case CodePush:
		return "push"
	case CodePull:
		return "pull"
	default:
		return "agnostic"
	}
}

// bindPorts points every port at its peer with the resolved
// orientation. A push output is bound to the input it drives; a pull
// input is bound to the output it drains. The passive sides keep a
// reference for introspection.
func (r *Router) bindPorts() {
	for _, c := range r.connections {
		src, dst := r.elements[c.from], r.elements[c.to]
		isPush := r.procOut[c.from][c.fromPort] == CodePush

		if isPush {
			src.base().outputs[c.fromPort].bind(dst, c.toPort, true)
			dst.base().inputs[c.toPort].bind(src, c.fromPort, true)
		} else {
			dst.base().inputs[c.toPort].bind(src, c.fromPort, false)
			src.base().outputs[c.fromPort].bind(dst, c.toPort, false)
		}
	}
}

// PortIsPush reports the resolved orientation of a port after
// Initialize; output selects the side.
func (r *Router) PortIsPush(e Element, port int, output bool) bool {
	idx, ok := r.indexOf(e)
	if !ok {
		return false
	}
	if output {
		return port < len(r.procOut[idx]) && r.procOut[idx][port] == CodePush
	}
	return port < len(r.procIn[idx]) && r.procIn[idx][port] == CodePush
}

func (r *Router) registerTask(t *Task) {
	r.taskMut.Lock()
	r.tasks = append(r.tasks, t)
	r.taskMut.Unlock()
}

func (r *Router) registerTimer(t *Timer) {
	r.taskMut.Lock()
	r.timers = append(r.timers, t)
	r.taskMut.Unlock()
}

// activate marks the router running and schedules the tasks that asked
// for it at Initialize time.
func (r *Router) activate() {
	r.state.Store(int32(RouterRunning))

	r.taskMut.Lock()
	pending := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.startScheduled {
			t.startScheduled = false
			pending = append(pending, t)
		}
	}
	r.taskMut.Unlock()

	for _, t := range pending {
		t.Schedule()
	}
}

// kill tears the router down: unschedule all tasks and timers, mark it
// dead, run element cleanups in reverse initialization order.
func (r *Router) kill() {
	if r.State() == RouterDead {
		return
	}
	wasRunning := r.State() == RouterRunning
	r.state.Store(int32(RouterDead))

	r.taskMut.Lock()
	tasks := append([]*Task(nil), r.tasks...)
	timers := append([]*Timer(nil), r.timers...)
	r.taskMut.Unlock()

	for _, t := range tasks {
		t.Unschedule()
	}
	for _, t := range timers {
		t.Unschedule()
	}

	stage := CleanupInitialized
	if wasRunning {
		stage = CleanupRunning
	}
	for i := len(r.elements) - 1; i >= 0; i-- {
		r.elements[i].Cleanup(stage)
	}

	r.log.Info("router dead")
}

func (r *Router) addElementHandlers(e Element) {
	idx, _ := r.indexOf(e)

	r.AddReadHandler(e, "class", func(e Element, _ any) (string, error) {
		return e.ClassName(), nil
	}, nil, HandlerCalm)
	r.AddReadHandler(e, "name", func(e Element, _ any) (string, error) {
		return e.Name(), nil
	}, nil, HandlerCalm)
	r.AddReadHandler(e, "config", func(e Element, data any) (string, error) {
		return strings.Join(data.([]string), ", "), nil
	}, r.configs[idx], HandlerCalm)
	r.AddReadHandler(e, "ports", r.readPortsHandler, nil, HandlerCalm)
	r.AddReadHandler(e, "handlers", func(e Element, _ any) (string, error) {
		var sb strings.Builder
		for _, name := range r.HandlerNames(e) {
			h, _ := r.FindHandler(e, name)
			mode := ""
			if h.Readable() {
				mode += "r"
			}
			if h.Writable() {
				mode += "w"
			}
			fmt.Fprintf(&sb, "%s\t%s\n", name, mode)
		}
		return sb.String(), nil
	}, nil, HandlerCalm)
}

func (r *Router) readPortsHandler(e Element, _ any) (string, error) {
	idx, ok := r.indexOf(e)
	if !ok {
		return "", fmt.Errorf("element not in router")
	}
	b := e.base()

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d input%s\n", b.NInputs(), plural(b.NInputs()))
	for i := 0; i < b.NInputs(); i++ {
		fmt.Fprintf(&sb, "  %d: %s", i, codeName(r.procIn[idx][i]))
		for _, ref := range r.upstreamOf(idx, i) {
			fmt.Fprintf(&sb, "  <- %s[%d]", r.elements[ref.elt].Name(), ref.port)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "%d output%s\n", b.NOutputs(), plural(b.NOutputs()))
	for i := 0; i < b.NOutputs(); i++ {
		fmt.Fprintf(&sb, "  %d: %s", i, codeName(r.procOut[idx][i]))
		for _, ref := range r.downstreamOf(idx, i) {
			fmt.Fprintf(&sb, "  -> [%d]%s", ref.port, r.elements[ref.elt].Name())
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func (r *Router) addGlobalHandlers() {
	r.AddReadHandler(nil, "list", func(_ Element, _ any) (string, error) {
		names := make([]string, 0, len(r.elements))
		for _, e := range r.elements {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil
	}, nil)

	r.AddReadHandler(nil, "classes", func(_ Element, _ any) (string, error) {
		return strings.Join(r.registry.Classes(), "\n"), nil
	}, nil, HandlerCalm)

	r.AddWriteHandler(nil, "stop", func(_ Element, _ string, _ any, _ *errh.ErrorHandler) error {
		r.master.Stop()
		return nil
	}, nil, HandlerButton)

	r.AddWriteHandler(nil, "hotswap", func(_ Element, _ string, _ any, eh *errh.ErrorHandler) error {
		return eh.Errorf("hotswap by configuration string needs the configuration layer; use Master.Hotswap")
	}, nil)

	r.AddReadHandler(nil, "tasks", func(_ Element, _ any) (string, error) {
		r.taskMut.Lock()
		tasks := append([]*Task(nil), r.tasks...)
		r.taskMut.Unlock()

		var sb strings.Builder
		for _, t := range tasks {
			fmt.Fprintf(&sb, "%s\tworker %d\ttickets %d\tdispatches %d\ttime %s\n",
				t.owner.Name(), t.HomeWorker(), t.Tickets(),
				t.Dispatches(), t.Cycles())
		}
		return sb.String(), nil
	}, nil, HandlerExpensive)
}
