// Package middleware provides the built-in pipeline stages.
//
// Every stage follows the same contract: it receives the stream produced by the
// previous stage, hands the stream it produces to next, and reports done once
// its own work on the stream has finished. Observing stages (hash, tokens,
// write_file) attach a consumer and pass the same stream on. Transforming
// stages (encrypt, decrypt, webhook) pass on a new stream.
//
// Call RegisterStages to make the stage types available to pipeline.Build.
package middleware
