// Package daemon ties the workflow manager and the shared database into a
// single lifecycle with flock-based locking so only one instance ever runs
// against a given state directory.
package daemon
