// Package gasoline provides durable workflows for Go services.
//
// A workflow is ordinary Go code whose side effects go through a
// WorkflowCtx. Every activity output, signal, sleep and sub workflow is
// recorded in the workflow's history; when a worker crashes or a workflow
// wakes from a sleep, the next run replays that history instead of
// repeating the work. Workflow code must therefore be deterministic:
// anything that talks to the outside world belongs in an Activity.
//
// # Defining workflows
//
//	var charge = gasoline.Activity[Order, Receipt]{
//	    Name: "charge",
//	    Fn: func(ctx *gasoline.ActivityCtx, o Order) (Receipt, error) { ... },
//	}
//
//	var checkout = gasoline.NewWorkflow("checkout", func(c *gasoline.WorkflowCtx, o Order) (Receipt, error) {
//	    sig, err := c.Listen("approved")
//	    if err != nil {
//	        return Receipt{}, err
//	    }
//	    ...
//	    return charge.Run(c, o)
//	})
//
// Repeat runs durable loops whose finished iterations are forgotten, and
// Join runs branches concurrently.
//
// # Running workflows
//
// A Runtime opens a store and a wake bus by URL and runs a worker for the
// definitions it was opened with:
//
//	rt, err := gasoline.Open(ctx, gasoline.Options{DatabaseURL: "sqlite:///var/lib/app.db"}, checkout)
//	rt.Start(ctx)
//	id, err := rt.Dispatch(ctx, "checkout", order)
//	err = rt.Wait(ctx, id, &receipt)
//
// Stores: memory://, sqlite://, postgres:// and mongodb://. Buses:
// memory://, nats://, redis:// and postgres://. Zero Options fields are
// read from config.yaml and the environment.
//
// LocalRunner is a Runtime over an in-memory store for tests and
// development.
//
// For multi-process deployments run the gasoline command (cmd/gasoline),
// which also hosts an epoxy replica; see package epoxy.
package gasoline
