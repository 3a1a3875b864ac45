// Package groups persists processing groups and owns their lifecycle
// vocabulary: the ordered stage ladder formed→calibrated→imaged→mosaicked→done
// and the pending/in_progress/done/failed run status.
//
// Groups are append-only. A group is never deleted; superseded or abandoned
// runs keep their row with status failed and a reason, so the full history of
// what was attempted stays queryable. Member sets are fixed at formation.
// Treat this package as the single source of truth for group semantics; the
// state machine in internal/pipeline performs transitions but validates them
// through the rules defined here.
package groups
