// Package entities defines the GORM entity models persisted by the record store.
//
// # Entities
//
//   - CallRecord: one observed call, keyed by composite id (source + system row id)
//   - PersonAggregate: per-number rollup of call totals and the last call
//   - SchemaVersion: applied schema migrations
//
// CallRecord and PersonAggregate are joined on the normalized phone number.
// There is deliberately no foreign key between them: an aggregate row is
// created lazily by the first call insert for that number.
package entities
