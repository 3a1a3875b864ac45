// Package execcmd runs pipeline stages through external command lines taken
// from configuration.
//
// Each stage command is a template whose placeholders are filled per
// invocation: {group}, {members}, {input}, {output}, and {resources}. The
// executor honors the idempotent-resume contract by returning early when the
// output already exists, so a rerun after a crash never repeats completed
// work.
package execcmd
