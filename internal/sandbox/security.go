package sandbox

import (
	"fmt"
	"math/rand"

	"github.com/dop251/goja"
)

// SecurityProfile describes how a fresh runtime is locked down before any
// library or candidate code is bound into it.
type SecurityProfile struct {
	// SafeGlobals are the intrinsics candidate code may see. Every other
	// global is deleted.
	SafeGlobals []string

	// FreezeIntrinsics neutralises the Function, generator and async function
	// constructors and freezes the intrinsic prototypes.
	FreezeIntrinsics bool

	MaxCallStackSize int
	RandSeed         int64
}

func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		SafeGlobals: []string{
			"Object", "Array", "String", "Number", "Boolean", "Math", "JSON",
			"Date", "Map", "Set", "RegExp",
			"Error", "TypeError", "RangeError", "ReferenceError", "SyntaxError",
			"isNaN", "isFinite", "parseInt", "parseFloat",
			"encodeURIComponent", "decodeURIComponent",
			"NaN", "Infinity", "undefined",
		},
		FreezeIntrinsics: true,
		MaxCallStackSize: 500,
		RandSeed:         42,
	}
}

// hardenPrelude runs with full privileges before the globals are pruned.
const hardenPrelude = `(function () {
	var blocked = function () { throw new TypeError('code generation is disabled'); };
	var protos = [
		Function.prototype,
		Object.getPrototypeOf(function* () {}),
		Object.getPrototypeOf(async function () {})
	];
	protos.forEach(function (p) {
		Object.defineProperty(p, 'constructor', { value: blocked, writable: false, configurable: false, enumerable: false });
	});
	[Object, Array, String, Number, Boolean, Date, RegExp, Map, Set,
	 Error, TypeError, RangeError, ReferenceError, SyntaxError, Function].forEach(function (c) {
		Object.freeze(c.prototype);
		Object.freeze(c);
	});
	protos.forEach(function (p) { Object.freeze(p); });
	Object.freeze(Math);
	Object.freeze(JSON);
})();`

// ApplySecurityProfile locks down vm. It must run before anything else is
// bound, since pruning deletes every global outside the safe set.
func ApplySecurityProfile(vm *goja.Runtime, profile SecurityProfile) error {
	if profile.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(profile.MaxCallStackSize)
	}

	// Deterministic execution: same code, same table, same answer.
	seeded := rand.New(rand.NewSource(profile.RandSeed)) // #nosec G404 -- determinism, not secrecy
	vm.SetRandSource(seeded.Float64)

	if profile.FreezeIntrinsics {
		if _, err := vm.RunString(hardenPrelude); err != nil {
			return fmt.Errorf("harden runtime: %w", err)
		}
	}

	safe := make(map[string]bool, len(profile.SafeGlobals))
	for _, name := range profile.SafeGlobals {
		safe[name] = true
	}
	global := vm.GlobalObject()
	for _, name := range global.GetOwnPropertyNames() {
		if safe[name] {
			continue
		}
		if err := global.Delete(name); err != nil {
			return fmt.Errorf("remove global %s: %w", name, err)
		}
	}
	return nil
}
