// Package scheduler turns cron expressions and fixed intervals into engine
// tasks. It only triggers; retries and overlap gating live in the engine.
package scheduler
