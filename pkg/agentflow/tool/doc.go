// Package tool holds Go functions that event-loop nodes can call.
//
// A Registry maps tool names to functions with a JSON Schema for their
// arguments and implements eventloop.ToolExecutor:
//
//	reg := tool.NewRegistry()
//	reg.MustRegister(tool.Typed("lookup", "Find a record by id", lookupSchema,
//	    func(ctx context.Context, in lookupArgs) (string, error) { ... }))
//
//	node := eventloop.New(spec,
//	    eventloop.WithToolExecutor(reg),
//	    eventloop.WithTools(reg.Definitions()...))
//
// Transient failures (see the errors package) are retried with the
// registry's RetryConfig before the error is shown to the model.
package tool
