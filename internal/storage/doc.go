// Package storage persists homepi's state in a single SQLite database:
// people and their devices, presence transitions, rules with their
// scheduled jobs, and an audit log of operator actions.
package storage
