// Package policy integrates the Open Policy Agent (OPA) engine as an optional
// admission gate in front of transform execution.
//
// A rego module receives the transform id, its label, the trace identifier
// and the chain position, and answers with an allow or deny decision. The
// executors treat any evaluation error as a denial.
package policy
