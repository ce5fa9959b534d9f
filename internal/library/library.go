package library

import (
	"fmt"
	"sort"

	"github.com/dop251/goja"

	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/policy"
)

// DataName is the binding candidate code reads the dataset from.
const DataName = "df"

// OutputNames are the result slots, in the order the classifier consults them.
var OutputNames = []string{"result", "df_out", "fig", "output"}

// Library is a named handle pre-bound into every execution namespace.
type Library interface {
	// Name is the global binding, e.g. "np".
	Name() string

	// Aliases are extra module names require() resolves to this library.
	Aliases() []string

	// Object builds the handle for one execution.
	Object(env *Env) goja.Value
}

// Registry maps binding names and aliases to libraries.
type Registry struct {
	libs    map[string]Library
	aliases map[string]string
}

// NewRegistry creates a registry with pd, np, px and go.
func NewRegistry() *Registry {
	r := &Registry{
		libs:    make(map[string]Library),
		aliases: make(map[string]string),
	}
	r.Register(pandasLib{})
	r.Register(numericLib{})
	r.Register(expressLib{})
	r.Register(graphLib{})
	return r
}

// Register adds a library. A later library with the same name replaces the earlier one.
func (r *Registry) Register(l Library) {
	r.libs[l.Name()] = l
	for _, a := range l.Aliases() {
		r.aliases[a] = l.Name()
	}
}

// Get resolves a binding name or alias.
func (r *Registry) Get(name string) (Library, error) {
	if l, ok := r.libs[name]; ok {
		return l, nil
	}
	if n, ok := r.aliases[name]; ok {
		return r.libs[n], nil
	}
	return nil, fmt.Errorf("unknown library %q (available: %v)", name, r.Names())
}

// Names returns the binding names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.libs))
	for n := range r.libs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Modules returns every name require() can resolve: binding names and aliases.
func (r *Registry) Modules() []string {
	out := r.Names()
	for a := range r.aliases {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Options configures Install.
type Options struct {
	// Table is bound as df. Callers pass a private copy.
	Table       *dataset.Table
	Policy      *policy.Policy
	Registry    *Registry
	MaxLogBytes int
}

// Install binds the builtin set, the library handles, require (allowlist mode
// only) and df into vm.
func Install(vm *goja.Runtime, opts Options) (*Env, error) {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	env := &Env{vm: vm, logs: newLogs(opts.MaxLogBytes)}

	if err := env.installBuiltins(); err != nil {
		return nil, err
	}

	handles := make(map[string]goja.Value)
	for _, name := range opts.Registry.Names() {
		lib, _ := opts.Registry.Get(name)
		h := lib.Object(env)
		handles[name] = h
		if err := vm.Set(name, h); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}

	if opts.Policy != nil && opts.Policy.ImportsAllowed() {
		if err := vm.Set(policy.ImportFunc, env.requireFunc(opts.Policy, opts.Registry, handles)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", policy.ImportFunc, err)
		}
	}

	if opts.Table != nil {
		if err := vm.Set(DataName, env.Frame(opts.Table)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", DataName, err)
		}
	}
	return env, nil
}

// requireFunc resolves only modules the policy allows and the registry knows.
// The validator already rejects the rest; this is the runtime half of the gate.
func (e *Env) requireFunc(p *policy.Policy, reg *Registry, handles map[string]goja.Value) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if !p.AllowsModule(name) {
			e.throw("module %q is not allowed", name)
		}
		lib, err := reg.Get(name)
		if err != nil {
			e.throw("%v", err)
		}
		return handles[lib.Name()]
	}
}
