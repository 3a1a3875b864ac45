package pipeline

import "time"

// SetRunPollInterval shortens the Run re-poll wait so tests that park a
// group under a foreign claim do not sleep for real durations.
func SetRunPollInterval(m *Machine, d time.Duration) {
	m.pollInterval = d
}
