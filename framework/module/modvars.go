package module

import "fmt"

// mods is the global registry of module constructors, keyed by module name
// (e.g. "resolver.dns", "egress.source"). Populated by each module's init()
// via Register and consulted by framework/config/module when resolving
// config directives that reference a module by name.
var mods = map[string]FuncNewModule{}

// Register adds a module constructor under name. It panics on a duplicate
// registration since that can only happen from a programming mistake (two
// packages claiming the same module name), never from user configuration.
func Register(name string, factory FuncNewModule) {
	if _, ok := mods[name]; ok {
		panic(fmt.Sprintf("module: %s already registered", name))
	}
	mods[name] = factory
}

// Get looks up a registered module constructor by name, returning nil if
// none is registered.
func Get(name string) FuncNewModule {
	return mods[name]
}
