// Package main hosts the orrery CLI entrypoint and command graph.
//
// The Cobra-based command tree surfaces the pipeline's library contracts as
// terminal commands: group inspection and retry, manual publishing,
// calibration artifact management, batch status, and configuration
// scaffolding. It centralizes configuration resolution and database access so
// subcommands can focus on presentation.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
