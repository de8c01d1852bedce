// Package schema defines the records exchanged by the mess sync engine.
//
// # Overview
//
// Every piece of mess data (members, attendance/meal records and billing
// ledger lines) is stored as a generic Entity: a stable ID, a kind, a flat
// map of scalar fields, a monotonic revision, a logical timestamp and a
// tombstone flag. Flat scalar fields keep per-field merging simple.
//
// # Wire Format
//
// The remote store holds one JSON document per entity:
//
//	{
//	  "id": "5f0c...",
//	  "kind": "ledger",
//	  "fields": {"member_id": "m1", "amount": "50"},
//	  "revision": 3,
//	  "deleted": false,
//	  "updatedAt": 17,
//	  "updatedBy": "device-a",
//	  "pushKey": "9b1d...",
//	  "serverTs": 42
//	}
//
// The revision and deleted keys are always present. Documents missing either
// are rejected by UnmarshalDocument.
//
// # Ledger Amounts
//
// The amount and balance fields of ledger entities are decimals kept as
// canonical strings (shopspring/decimal) so concurrent additions can be
// merged without floating point drift.
//
// # Local Bookkeeping
//
// ChangeRecord is one row of the change journal, SyncCursor is the
// persisted checkpoint of the coordinator and ConflictRecord is the audit
// trail left by the resolver.
package schema
