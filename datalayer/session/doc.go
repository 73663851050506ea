// Package session provides a Redis-backed store for interactive user
// sessions.
//
// Sessions are short-lived and keyed by ID, so they live outside the
// relational schema. The store keeps each session as a JSON value and
// maintains a per-user index set, which makes "log this user out
// everywhere" a single call. An optional TTL lets Redis expire idle
// sessions on its own.
//
// The store satisfies datalayer.SessionStore and can be plugged into any
// data layer adapter:
//
//	sessions := session.NewRedisSessionStore(session.RedisOptions{
//		Addr: "localhost:6379",
//		TTL:  24 * time.Hour,
//	})
//
//	dl, err := postgres.NewPostgresDataLayer(ctx, postgres.PostgresOptions{
//		ConnString: connString,
//		Sessions:   sessions,
//	})
//
// Tests can run against miniredis, no server required.
package session
