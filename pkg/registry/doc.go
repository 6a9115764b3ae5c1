// Package registry holds the set of trusted, hash-pinned transform modules.
//
// It is the only component that touches the filesystem trust boundary. A
// module is accepted only when its resolved path (symlinks followed) lies
// under one of the trusted roots fixed at construction, it is a regular Lua
// source file, and it fits the module size ceiling. The SHA-256 of the file
// at registration time is pinned and re-checked before every execution.
//
// Trusted roots are never mutated after New; widening trust means building a
// new Registry.
package registry
