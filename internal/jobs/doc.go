// Package jobs runs named periodic background jobs on robfig/cron.
//
// Jobs are registered by name (re-registering replaces), survive Stop/Start and
// never overlap with themselves. Each run gets its own timeout and is recorded
// in a short history and published on the event bus.
package jobs
