// Package units tracks input units (individual instrument recordings) and
// assembles them into processing groups.
//
// A unit is keyed by its path and carries an acquisition timestamp. Units move
// pending→done as they are indexed, and done→assigned exactly once when the
// Detector folds them into a group; assignment and group creation commit in
// one transaction so no unit can land in two groups. Units that age past the
// staleness threshold without enough siblings are resolved by the configured
// partial-group policy instead of being dropped.
package units
