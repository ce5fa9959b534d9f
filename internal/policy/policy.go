package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how module imports are treated.
type Mode string

const (
	// ModeNoImports rejects every require call. Library handles are pre-bound.
	ModeNoImports Mode = "no_imports"
	// ModeAllowlist accepts require calls naming an allowed module.
	ModeAllowlist Mode = "allowlist"
)

// ImportFunc is the name candidate code uses to import a module.
const ImportFunc = "require"

var ErrInvalidPolicy = errors.New("invalid policy")

// Spec is the serialisable form of a policy. Lists left empty in a loaded
// file keep their defaults.
type Spec struct {
	Mode           Mode     `yaml:"mode" json:"mode"`
	AllowedModules []string `yaml:"allowed_modules" json:"allowed_modules"`
	BlockedCalls   []string `yaml:"blocked_calls" json:"blocked_calls"`
	BlockedModules []string `yaml:"blocked_modules" json:"blocked_modules"`
	BlockedNames   []string `yaml:"blocked_names" json:"blocked_names"`
	BlockedMembers []string `yaml:"blocked_members" json:"blocked_members"`
	MaxCodeBytes   int      `yaml:"max_code_bytes" json:"max_code_bytes"`
}

// DefaultSpec returns the built-in policy: no imports, every library pre-bound.
func DefaultSpec() Spec {
	return Spec{
		Mode: ModeNoImports,
		AllowedModules: []string{
			"pd", "np", "px", "go",
			"pandas", "numpy", "plotly.express", "plotly.graph_objects",
		},
		BlockedCalls: []string{
			"eval", "Function", "exec", "execScript", "compile", "open", "input", "prompt",
			"fetch", "importScripts", "setTimeout", "setInterval", "setImmediate",
			"queueMicrotask", "XMLHttpRequest", "WebSocket", "Worker", "load",
		},
		BlockedModules: []string{
			"os", "sys", "subprocess", "socket", "shutil", "pathlib", "io", "builtins",
			"importlib", "ctypes", "pickle", "requests", "urllib", "httpx",
			"process", "child_process", "fs", "net", "http", "https", "http2", "dgram",
			"dns", "tls", "cluster", "worker_threads", "vm", "module", "v8",
			"Deno", "Bun",
		},
		BlockedNames: []string{
			"eval", "Function", "globalThis", "global", "window", "self",
			"Reflect", "Proxy", "WebAssembly", "Symbol", "arguments",
		},
		BlockedMembers: []string{
			"constructor", "prototype", "caller", "callee",
			"getPrototypeOf", "setPrototypeOf", "defineProperty", "defineProperties",
			"getOwnPropertyDescriptor", "getOwnPropertyDescriptors",
		},
		MaxCodeBytes: 64 * 1024,
	}
}

// Policy is an immutable, compiled Spec. It is safe for concurrent use and
// exposes only copies of its sets.
type Policy struct {
	mode           Mode
	allowedModules map[string]struct{}
	blockedCalls   map[string]struct{}
	blockedModules map[string]struct{}
	blockedNames   map[string]struct{}
	blockedMembers map[string]struct{}
	maxCodeBytes   int
}

// New compiles a spec into a policy.
func New(s Spec) (*Policy, error) {
	switch s.Mode {
	case ModeNoImports, ModeAllowlist:
	case "":
		s.Mode = ModeNoImports
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, s.Mode)
	}
	if s.MaxCodeBytes < 0 {
		return nil, fmt.Errorf("%w: max_code_bytes must be >= 0, got %d", ErrInvalidPolicy, s.MaxCodeBytes)
	}
	for _, m := range s.AllowedModules {
		for _, b := range s.BlockedModules {
			if m == b {
				return nil, fmt.Errorf("%w: module %q is both allowed and blocked", ErrInvalidPolicy, m)
			}
		}
	}
	return &Policy{
		mode:           s.Mode,
		allowedModules: toSet(s.AllowedModules),
		blockedCalls:   toSet(s.BlockedCalls),
		blockedModules: toSet(s.BlockedModules),
		blockedNames:   toSet(s.BlockedNames),
		blockedMembers: toSet(s.BlockedMembers),
		maxCodeBytes:   s.MaxCodeBytes,
	}, nil
}

// Default returns the compiled DefaultSpec.
func Default() *Policy {
	p, err := New(DefaultSpec())
	if err != nil {
		panic(err)
	}
	return p
}

// Load reads a YAML policy file and overlays it on the defaults.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	spec := DefaultSpec()
	var file Spec
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return New(Merge(spec, file))
}

// Merge overlays the non-empty fields of override on base.
func Merge(base, override Spec) Spec {
	if override.Mode != "" {
		base.Mode = override.Mode
	}
	if len(override.AllowedModules) > 0 {
		base.AllowedModules = override.AllowedModules
	}
	if len(override.BlockedCalls) > 0 {
		base.BlockedCalls = override.BlockedCalls
	}
	if len(override.BlockedModules) > 0 {
		base.BlockedModules = override.BlockedModules
	}
	if len(override.BlockedNames) > 0 {
		base.BlockedNames = override.BlockedNames
	}
	if len(override.BlockedMembers) > 0 {
		base.BlockedMembers = override.BlockedMembers
	}
	if override.MaxCodeBytes > 0 {
		base.MaxCodeBytes = override.MaxCodeBytes
	}
	return base
}

func (p *Policy) Mode() Mode        { return p.mode }
func (p *Policy) MaxCodeBytes() int { return p.maxCodeBytes }

// ImportsAllowed reports whether require calls can ever pass validation.
func (p *Policy) ImportsAllowed() bool { return p.mode == ModeAllowlist }

// AllowsModule reports whether name may be imported under this policy.
func (p *Policy) AllowsModule(name string) bool {
	if p.mode != ModeAllowlist {
		return false
	}
	_, ok := p.allowedModules[name]
	return ok
}

func (p *Policy) IsBlockedCall(name string) bool   { return has(p.blockedCalls, name) }
func (p *Policy) IsBlockedModule(name string) bool { return has(p.blockedModules, name) }
func (p *Policy) IsBlockedName(name string) bool   { return has(p.blockedNames, name) }
func (p *Policy) IsBlockedMember(name string) bool { return has(p.blockedMembers, name) }

func (p *Policy) AllowedModules() []string { return sortedKeys(p.allowedModules) }
func (p *Policy) BlockedModules() []string { return sortedKeys(p.blockedModules) }

// Spec returns a copy of the policy in serialisable form.
func (p *Policy) Spec() Spec {
	return Spec{
		Mode:           p.mode,
		AllowedModules: sortedKeys(p.allowedModules),
		BlockedCalls:   sortedKeys(p.blockedCalls),
		BlockedModules: sortedKeys(p.blockedModules),
		BlockedNames:   sortedKeys(p.blockedNames),
		BlockedMembers: sortedKeys(p.blockedMembers),
		MaxCodeBytes:   p.maxCodeBytes,
	}
}

// IsReserved reports whether name uses the double-underscore convention.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, "__")
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}

func has(set map[string]struct{}, name string) bool {
	_, ok := set[name]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
