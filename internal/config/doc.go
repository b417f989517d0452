// Package config loads, validates, and normalizes camgate configuration.
//
// Configuration is TOML, resolved from an explicit path, then
// ~/.config/camgate/config.toml, then ./camgate.toml. Missing values are
// backfilled from repository defaults so a minimal file is enough to run.
package config
