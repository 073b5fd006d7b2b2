// Package pipeline turns configured pipelines into runnable chains.
//
// A pipeline is a named, ordered list of stages. Each stage type is provided by a
// registered StageFactory that builds a chain middleware from the stage's params.
// Registration is explicit: stage packages expose a function that calls
// RegisterStage, wired from cmd/wchain (or tests) before pipelines are built.
//
// The built-in "pipeline" stage type runs another named pipeline as a single
// stage. References are resolved at build time and cycles are rejected.
//
// Runner executes a pipeline once: it allocates a run id, journals the run,
// wraps each stage in a tracing span, feeds the input through the chain and
// waits for the run to settle.
package pipeline
