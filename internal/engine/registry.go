package engine

import (
	"sort"

	"github.com/prxssh/flume/pkg/syncmap"
)

// Constructor builds a fresh, unconfigured element instance.
type Constructor func() Element

// Registry maps element class names to constructors. Routers resolve
// AddElement through one; element packages populate DefaultRegistry
// from their init functions, the way database/sql drivers register.
type Registry struct {
	classes *syncmap.Map[string, Constructor]
}

func NewRegistry() *Registry {
	return &Registry{classes: syncmap.New[string, Constructor]()}
}

func (reg *Registry) Register(class string, ctor Constructor) {
	reg.classes.Put(class, ctor)
}

func (reg *Registry) Lookup(class string) (Constructor, bool) {
	return reg.classes.Get(class)
}

// Classes returns the registered class names, sorted.
func (reg *Registry) Classes() []string {
	names := reg.classes.Keys()
	sort.Strings(names)
	return names
}

// DefaultRegistry is the registry routers use unless given another.
var DefaultRegistry = NewRegistry()

// Register adds a class to DefaultRegistry.
func Register(class string, ctor Constructor) {
	DefaultRegistry.Register(class, ctor)
}
