// Package registration wires the built-in stage types into the pipeline
// factory. It is called from cmd/wchain and tests before pipelines are built,
// which keeps registration free of init side effects.
package registration

import (
	"net/http"

	"github.com/tjfontaine/wchain/internal/middleware"
	"github.com/tjfontaine/wchain/internal/tokens"
)

// Options tune the shared resources handed to built-in stages.
type Options struct {
	HTTPClient *http.Client
	Counter    *tokens.Counter
}

// RegisterBuiltins registers every built-in stage type.
func RegisterBuiltins() {
	RegisterBuiltinsWith(Options{})
}

// RegisterBuiltinsWith registers the built-in stage types using opts.
func RegisterBuiltinsWith(opts Options) {
	var mo []middleware.Option
	if opts.HTTPClient != nil {
		mo = append(mo, middleware.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Counter != nil {
		mo = append(mo, middleware.WithTokenCounter(opts.Counter))
	}
	middleware.RegisterStages(mo...)
}
