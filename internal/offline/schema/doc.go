// Package schema defines the persisted data model of the offline engine.
//
// # Overview
//
// A PendingOperation is a write (insert, update or delete) against a named
// remote collection that has not been committed yet. The whole list of
// pending operations is stored as one JSON array under a single storage key:
//
//	[
//	  {
//	    "id": "5b0c4f7e-7b0e-4a53-9f1b-3b8f4b0f9d55",
//	    "collection": "weight_records",
//	    "kind": "insert",
//	    "payload": {"id": "r1", "weight": 80},
//	    "enqueued_at": 1760443200000,
//	    "retry_count": 0,
//	    "priority": 3
//	  }
//	]
//
// # Collections
//
// Every collection has a default priority (lower drains first). The table
// lives in collections.go and can be overridden from a TOML file by the
// config package.
//
// # Typed records
//
// Payloads are persisted as open JSON objects so the queue file stays
// readable by older builds. Code that knows the collection schema should use
// the typed records (WeightRecord, CheckIn, ...) and ToPayload/FromPayload
// instead of building maps by hand.
package schema
