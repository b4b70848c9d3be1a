package health

import (
	"context"
	"database/sql"
)

// Ping adapts a ping function into a Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Database checks a SQL connection pool.
func Database(db *sql.DB) Checker {
	return Ping("postgres", db.PingContext)
}

// Running reports a background loop that must stay up.
func Running(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "stopped"}
		}
		return Status{Name: name, Healthy: true}
	}
}
