// Package script runs transform modules written in Lua on an embedded,
// capability-free VM.
//
// Each invocation gets a fresh VM exposing only the base, string, table, math
// and bit32 libraries. Functions that reach the filesystem, load bytecode or
// write to stdout are removed, and io, os, package and debug are never opened.
// A count hook checks the caller's context so an expired deadline stops the
// VM at the next instruction batch.
//
// A module provides its entrypoint either as a global function named
// "transform" or as the "transform" field of the table returned by the chunk:
//
//	function transform(input, context)
//	  return { echo = input.value, trace = context.trace_id }
//	end
package script
