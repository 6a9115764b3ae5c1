// Package domain defines the core types shared by the transform registry,
// the executors and the chain orchestrator.
//
// This package has ZERO dependencies outside the Go standard library. Other
// packages (registry, executor, api, etc.) depend on these types, never the
// other way around:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
