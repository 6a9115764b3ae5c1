// Package executor runs trusted transforms under a bounded budget.
//
// Two isolation tiers implement Executor. ProcessRunner starts a short-lived
// worker process per execution with a scrubbed environment and kills its
// process group when the deadline passes; it is the default. BoundedExecutor
// runs the module on a goroutine inside the service and abandons it at the
// deadline; it is selected only by explicit configuration.
//
// Both tiers apply the same preflight in the same order: feature gate,
// admission policy, registry lookup, integrity check. Every call yields
// exactly one domain.TransformResult; faults never surface as Go errors.
// Resolve picks the tier once at startup and fails closed when the process
// tier cannot be constructed. Chain sequences executions with output piped
// into the next stage.
package executor
