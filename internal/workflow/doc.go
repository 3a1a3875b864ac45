// Package workflow runs the daemon's polling lanes over the shared
// persistent state. Lanes never talk to each other directly; every hand-off
// goes through the database, so a crash at any point resumes cleanly.
package workflow
