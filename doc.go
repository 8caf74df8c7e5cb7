// Package duty runs named background jobs in process and keeps a durable
// record of every job in a pluggable store.
//
// A job is submitted under a name and handed to the single listener
// registered for that name. The listener's handler reports progress and
// resolves the job exactly once with a result or an error; the job may also
// be canceled by its submitter or expire when its handler goes quiet. Every
// status change is persisted before observers are notified.
//
// Stores:
//   - memory
//   - SQLite (modernc.org/sqlite)
//   - PostgreSQL (pgx)
//   - Redis (redigo)
//
// Statistics backends: noop, Prometheus, Redis counters and RabbitMQ events.
//
// # Example
//
//	package main
//
//	import (
//		"context"
//		"encoding/json"
//
//		"github.com/oshribin/duty"
//		"github.com/oshribin/duty/config"
//		"github.com/oshribin/duty/core"
//	)
//
//	func main() {
//		cfg, err := config.Load("duty.yaml")
//		if err != nil {
//			panic(err)
//		}
//
//		d, err := duty.Open(context.Background(), cfg)
//		if err != nil {
//			panic(err)
//		}
//
//		d.Register("email", func(run *core.Run, data json.RawMessage, done core.DoneFunc) {
//			run.Progress(1, 2)
//			done(nil, map[string]string{"status": "sent"})
//		}, core.WithTTL(time.Minute))
//
//		h := d.Submit(context.Background(), "email", map[string]string{"to": "a@b.c"})
//		h.On(event.KindProgress, func(ev event.Event) { ... })
//
//		// Close on SIGINT, SIGTERM or SIGQUIT
//		d.Work(context.Background())
//	}
package duty
