// Package calreg tracks reusable calibration artifacts and their time-bounded
// validity windows.
//
// Windows are half-open [valid_from, valid_to): a boundary instant belongs to
// the later window. Among active artifacts of one kind, windows never overlap;
// Register enforces this and verifies the artifact on disk before the
// registration commits, so a failed verification leaves neither a new active
// artifact nor a disturbed prior one. Artifacts are retired, never deleted.
package calreg
