// Package api exposes the execution contract over a local HTTP listener.
//
// It carries requests to an executor.Executor and executor.Chain and answers
// with the result JSON unchanged. Authentication and payload shaping belong
// to whatever sits in front of it.
package api
