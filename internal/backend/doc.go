// Package backend defines validated backend descriptors (the command
// templates and monitoring parameters that drive an external scheduler),
// the ~{name} placeholder template engine, and the registry that resolves
// descriptors by name.
package backend
