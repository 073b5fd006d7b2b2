// Package chain composes streaming middleware into ordered call chains.
//
// A chain invokes its middlewares in registration order. Every middleware receives
// the run's metadata, the stream emitted by the previous stage, a Next function
// that invokes the following stage and a Done function that reports its own
// completion. Completion is independent of Next: a run completes once every stage
// has called Done, in any order and from any goroutine.
//
// # Flow control
//
// With PauseAtBegin enabled (the default) every stage receives a relay wrapping the
// stream it was handed. A relay buffers upstream data until it has a consumer and the
// stage call that received it has returned, so consumers attached synchronously by a
// stage and by the stages it reaches through Next all observe the first chunk. A
// stage may attach its consumer later, asynchronously, without losing data; calling
// Next asynchronously after attaching its own consumer is not covered.
//
// # Run modes
//
// In synchronous mode Run returns the error produced by the call chain and the End
// callback fires when every stage is done. In asynchronous mode stage errors and
// panics are captured and Run returns a Future that settles exactly once, with the
// first error or on completion. Signals arriving after settlement are logged as
// warnings and otherwise ignored.
//
// A *Chain is itself a Middleware, so chains nest.
package chain
