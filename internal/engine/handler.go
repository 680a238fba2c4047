package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prxssh/flume/internal/errh"
)

// HandlerFlags describe a handler's behavior to callers and to the
// framework. Flags at HandlerUserFlag and above are element-private.
type HandlerFlags uint32

const (
	HandlerReadable HandlerFlags = 1 << iota
	HandlerWritable

	// HandlerRaw skips trailing-newline normalization of read results.
	HandlerRaw

	// HandlerCheckbox marks a boolean-valued read/write pair.
	HandlerCheckbox

	// HandlerCalm promises the value changes only when written.
	HandlerCalm

	// HandlerExpensive warns that reading may take a long time.
	HandlerExpensive

	// HandlerExclusive makes the framework quiesce all workers around
	// the call.
	HandlerExclusive

	// HandlerButton marks a write-only trigger whose value is ignored.
	HandlerButton

	// HandlerUserFlag is the first flag bit elements may use privately.
	HandlerUserFlag
)

type ReadHandlerFunc func(e Element, data any) (string, error)

type WriteHandlerFunc func(e Element, value string, data any, eh *errh.ErrorHandler) error

// Handler is a named read/write entry point on an element (or, with a
// nil element, on the router itself). Handlers are the inspection,
// reconfiguration and RPC surface of a running configuration.
type Handler struct {
	Name      string
	Flags     HandlerFlags
	Read      ReadHandlerFunc
	Write     WriteHandlerFunc
	ReadData  any
	WriteData any
}

func (h *Handler) Readable() bool { return h.Flags&HandlerReadable != 0 }
func (h *Handler) Writable() bool { return h.Flags&HandlerWritable != 0 }

// handlerKey returns the table key for an element, "" for globals.
func handlerKey(e Element) string {
	if e == nil {
		return ""
	}
	return e.Name()
}

// AddReadHandler registers a read handler on e (nil for a router-global
// handler). Re-registering a name merges with an existing write half.
func (r *Router) AddReadHandler(e Element, name string, fn ReadHandlerFunc, data any, flags ...HandlerFlags) {
	r.handlerMut.Lock()
	defer r.handlerMut.Unlock()

	h := r.handlerLocked(handlerKey(e), name)
	h.Flags |= HandlerReadable
	for _, fl := range flags {
		h.Flags |= fl
	}
	h.Read = fn
	h.ReadData = data
}

// AddWriteHandler registers a write handler on e (nil for a
// router-global handler).
func (r *Router) AddWriteHandler(e Element, name string, fn WriteHandlerFunc, data any, flags ...HandlerFlags) {
	r.handlerMut.Lock()
	defer r.handlerMut.Unlock()

	h := r.handlerLocked(handlerKey(e), name)
	h.Flags |= HandlerWritable
	for _, fl := range flags {
		h.Flags |= fl
	}
	h.Write = fn
	h.WriteData = data
}

// DataOps selects which halves AddDataHandlers exposes.
type DataOps uint8

const (
	DataRead DataOps = 1 << iota
	DataWrite
)

// AddDataHandlers exposes a primitive pointer as a handler pair. The
// supported pointer types cover the counters and knobs elements carry.
func (r *Router) AddDataHandlers(e Element, name string, ops DataOps, ptr any, flags ...HandlerFlags) {
	if ops&DataRead != 0 {
		r.AddReadHandler(e, name, readDataHandler, ptr, flags...)
	}
	if ops&DataWrite != 0 {
		r.AddWriteHandler(e, name, writeDataHandler, ptr, flags...)
	}
}

func readDataHandler(_ Element, data any) (string, error) {
	switch v := data.(type) {
	case *int:
		return strconv.Itoa(*v), nil
	case *int64:
		return strconv.FormatInt(*v, 10), nil
	case *uint64:
		return strconv.FormatUint(*v, 10), nil
	case *bool:
		return strconv.FormatBool(*v), nil
	case *string:
		return *v, nil
	case *time.Duration:
		return v.String(), nil
	case *atomic.Int64:
		return strconv.FormatInt(v.Load(), 10), nil
	case *atomic.Uint64:
		return strconv.FormatUint(v.Load(), 10), nil
	case *atomic.Bool:
		return strconv.FormatBool(v.Load()), nil
	default:
		return "", fmt.Errorf("unsupported data handler type %T", data)
	}
}

func writeDataHandler(_ Element, value string, data any, eh *errh.ErrorHandler) error {
	value = strings.TrimSpace(value)
	switch v := data.(type) {
	case *int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return eh.Errorf("expected integer, got %q", value)
		}
		*v = n
	case *int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return eh.Errorf("expected integer, got %q", value)
		}
		*v = n
	case *uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return eh.Errorf("expected unsigned integer, got %q", value)
		}
		*v = n
	case *bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return eh.Errorf("expected boolean, got %q", value)
		}
		*v = b
	case *string:
		*v = value
	case *time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return eh.Errorf("expected duration, got %q", value)
		}
		*v = d
	case *atomic.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return eh.Errorf("expected integer, got %q", value)
		}
		v.Store(n)
	case *atomic.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return eh.Errorf("expected unsigned integer, got %q", value)
		}
		v.Store(n)
	case *atomic.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return eh.Errorf("expected boolean, got %q", value)
		}
		v.Store(b)
	default:
		return eh.Errorf("unsupported data handler type %T", data)
	}
	return nil
}

func (r *Router) handlerLocked(key, name string) *Handler {
	table, ok := r.handlers[key]
	if !ok {
		table = make(map[string]*Handler)
		r.handlers[key] = table
	}
	h, ok := table[name]
	if !ok {
		h = &Handler{Name: name}
		table[name] = h
	}
	return h
}

// FindHandler looks up a handler on e, nil e meaning router-global.
func (r *Router) FindHandler(e Element, name string) (*Handler, bool) {
	r.handlerMut.RLock()
	defer r.handlerMut.RUnlock()

	table, ok := r.handlers[handlerKey(e)]
	if !ok {
		return nil, false
	}
	h, ok := table[name]
	return h, ok
}

// ResolveHandler splits "element.handler" (or a bare global handler
// name) and returns the element and handler.
func (r *Router) ResolveHandler(path string) (Element, *Handler, error) {
	var e Element
	name := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		eltName := path[:i]
		name = path[i+1:]
		var ok bool
		if e, ok = r.Element(eltName); !ok {
			return nil, nil, fmt.Errorf("no element %q", eltName)
		}
	}

	h, ok := r.FindHandler(e, name)
	if !ok {
		return nil, nil, fmt.Errorf("no handler %q", path)
	}
	return e, h, nil
}

// HandlerNames returns the sorted handler names registered on e.
func (r *Router) HandlerNames(e Element) []string {
	r.handlerMut.RLock()
	defer r.handlerMut.RUnlock()

	table := r.handlers[handlerKey(e)]
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallRead invokes h's read callback. Unless the handler is raw, the
// result is normalized to have no trailing newline.
func (r *Router) CallRead(e Element, h *Handler, eh *errh.ErrorHandler) (string, error) {
	if h == nil || !h.Readable() {
		return "", eh.Errorf("handler not readable")
	}

	if h.Flags&HandlerExclusive != 0 {
		r.master.Pause()
		defer r.master.Unpause()
	}

	out, err := h.Read(e, h.ReadData)
	if err != nil {
		return "", eh.Errorf("read %s: %w", h.Name, err)
	}
	if h.Flags&HandlerRaw == 0 {
		out = strings.TrimRight(out, "\n")
	}
	return out, nil
}

// CallWrite invokes h's write callback with value.
func (r *Router) CallWrite(e Element, h *Handler, value string, eh *errh.ErrorHandler) error {
	if h == nil || !h.Writable() {
		return eh.Errorf("handler not writable")
	}

	if h.Flags&HandlerExclusive != 0 {
		r.master.Pause()
		defer r.master.Unpause()
	}

	return h.Write(e, value, h.WriteData, eh)
}

// ReadHandler resolves path and reads it in one step.
func (r *Router) ReadHandler(path string, eh *errh.ErrorHandler) (string, error) {
	e, h, err := r.ResolveHandler(path)
	if err != nil {
		return "", eh.Errorf("%w", err)
	}
	return r.CallRead(e, h, eh)
}

// WriteHandler resolves path and writes value to it in one step.
func (r *Router) WriteHandler(path, value string, eh *errh.ErrorHandler) error {
	e, h, err := r.ResolveHandler(path)
	if err != nil {
		return eh.Errorf("%w", err)
	}
	return r.CallWrite(e, h, value, eh)
}
