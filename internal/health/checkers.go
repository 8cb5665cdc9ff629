package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

var _ Pinger = (*sql.DB)(nil)

// Database reports whether the database answers a ping within two seconds.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Redis reports whether the event bus answers a ping.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// Runner is a background loop that reports whether it is running.
type Runner interface {
	Running() bool
}

// Loop reports a background worker as unhealthy once it has stopped.
func Loop(name string, r Runner) Checker {
	return func(context.Context) Status {
		if !r.Running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Flag wraps a boolean check. ok returns the current state and a detail.
func Flag(name string, ok func() (bool, string)) Checker {
	return func(context.Context) Status {
		healthy, detail := ok()
		return Status{Name: name, Healthy: healthy, Detail: detail}
	}
}
