// Package store owns the SQLite database that holds all durable pipeline
// state: input units, groups, calibration artifacts, data records, and batch
// jobs.
//
// It manages connection setup (WAL, foreign keys, busy timeout), schema
// initialization, incremental migrations, and transaction helpers. Domain
// packages share one Store and run their queries through its retrying
// wrappers. InTxChecked implements the verify-then-commit contract: a mutating
// transaction commits only after an external check (usually a filesystem
// verification) succeeds, so the database never claims work the disk does not
// reflect.
//
// Schema changes either bump schemaVersion in schema.go or land as a new file
// under migrations/; never edit an applied migration.
package store
