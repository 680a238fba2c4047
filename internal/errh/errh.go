package errh

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrorHandler collects configuration-time diagnostics. Elements report
// through it during Configure/Initialize; the router inspects the error
// count afterwards to decide whether bring-up succeeded, and the caller
// that installed the router gets the concatenated messages.
//
// Repeated identical warnings are throttled after maxRepeats occurrences
// so a misbehaving element cannot flood the log from a hot path.
type ErrorHandler struct {
	log    *slog.Logger
	prefix string

	// shared points at the root handler whose counters and message list
	// all derived contexts feed; nil on the root itself.
	shared *ErrorHandler

	mut        sync.Mutex
	errors     int
	warnings   int
	messages   []string
	seen       map[string]int
	maxRepeats int
}

const defaultMaxRepeats = 5

func New(log *slog.Logger) *ErrorHandler {
	if log == nil {
		log = slog.Default()
	}

	return &ErrorHandler{
		log:        log,
		seen:       make(map[string]int),
		maxRepeats: defaultMaxRepeats,
	}
}

// Context returns a derived handler that prefixes every message with ctx
// and feeds the same counters and message list as the parent.
func (eh *ErrorHandler) Context(ctx string) *ErrorHandler {
	return &ErrorHandler{
		log:    eh.log.With("context", ctx),
		prefix: ctx,
		shared: eh.root(),
	}
}

func (eh *ErrorHandler) root() *ErrorHandler {
	if eh.shared != nil {
		return eh.shared
	}
	return eh
}

// Errorf records and logs an error, and returns it so call sites can
// write "return errh.Errorf(...)".
func (eh *ErrorHandler) Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	root := eh.root()

	root.mut.Lock()
	root.errors++
	root.messages = append(root.messages, eh.decorate(err.Error()))
	root.mut.Unlock()

	eh.log.Error(err.Error())
	return err
}

// Warningf records and logs a warning. Identical warnings are suppressed
// once they have been reported maxRepeats times.
func (eh *ErrorHandler) Warningf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	root := eh.root()

	root.mut.Lock()
	root.warnings++
	n := root.seen[msg]
	root.seen[msg] = n + 1
	record := n < root.maxRepeats
	if record {
		root.messages = append(root.messages, eh.decorate("warning: "+msg))
	}
	root.mut.Unlock()

	if record {
		eh.log.Warn(msg)
		if n+1 == root.maxRepeats {
			eh.log.Warn("further identical warnings suppressed")
		}
	}
}

func (eh *ErrorHandler) decorate(msg string) string {
	if eh.prefix == "" {
		return msg
	}
	return eh.prefix + ": " + msg
}

func (eh *ErrorHandler) NErrors() int {
	root := eh.root()
	root.mut.Lock()
	defer root.mut.Unlock()
	return root.errors
}

func (eh *ErrorHandler) NWarnings() int {
	root := eh.root()
	root.mut.Lock()
	defer root.mut.Unlock()
	return root.warnings
}

// Messages returns every collected diagnostic, one per line.
func (eh *ErrorHandler) Messages() string {
	root := eh.root()
	root.mut.Lock()
	defer root.mut.Unlock()
	return strings.Join(root.messages, "\n")
}
