// Package tether is an embeddable offline-first sync engine for
// multi-tenant client applications.
//
// Reads and writes go through per-collection repositories backed by a
// durable SQLite store; every local write also captures a pending
// mutation in an append-ordered log. While connectivity holds, a
// background sync engine pushes the log to the replication server and
// pulls remote changes since a per-collection cursor, detecting
// conflicting concurrent writes with vector clocks and resolving them
// with a pluggable strategy (last-write-wins, first-write-wins,
// field-level merge, operational merge, or deferred manual resolution).
// When the delta grows past a threshold or the server forgets the cursor,
// the engine falls back to checksummed full-state snapshots, optionally
// archived to a file tree or S3.
//
// A websocket realtime channel complements the replication path for
// latency-sensitive traffic. Outbound interactions are routed by class:
// presence-grade messages drop when the channel is down, at-least-once
// event streams fall back to durable queues, interactive traffic
// reconciles through sync, and critical transactional changes never use
// the realtime path at all.
//
// The usual entry point is Open, which wires everything from one Config:
//
//	engine, err := tether.Open(tether.Config{
//		TenantID: "acme",
//		ClientID: "laptop-1",
//		Endpoint: "https://sync.example.com",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//	engine.Start()
//
//	tasks := engine.Repository("tasks")
//	err = tasks.Put(ctx, &tether.Record{ID: "t1", Payload: payload})
package tether
