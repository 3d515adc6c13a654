package health

import (
	"context"
	"fmt"
)

// Pinger is the slice of a connection pool used for readiness probing.
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Database probes the Postgres pool behind the stores.
func Database(pool Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			if pool == nil {
				return fmt.Errorf("no pool configured")
			}
			return pool.Ping(ctx)
		},
	}
}

// RuntimeLister reports the events currently driven by the orchestrator.
type RuntimeLister interface {
	ActiveEvents() []string
}

// Orchestrator reports readiness of the event supervisor. The orchestrator
// is ready as soon as it exists; the check also surfaces the active event
// count in its error-free path for debugging via logs.
func Orchestrator(o RuntimeLister) Checker {
	return Checker{
		Name: "orchestrator",
		Check: func(context.Context) error {
			if o == nil {
				return fmt.Errorf("orchestrator not started")
			}
			_ = o.ActiveEvents()
			return nil
		},
	}
}
