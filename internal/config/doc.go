// Package config loads, normalizes, and validates orrery's TOML
// configuration. Load applies defaults first, then overlays the config file,
// expands all paths, and rejects invalid combinations so the rest of the
// system can assume a well-formed Config.
package config
