// Package rules holds the rule model shared by the store, the job scheduler
// and the arrival evaluator: triggers, actions, their persisted JSON form,
// cron/one-shot timing and the error taxonomy.
package rules
