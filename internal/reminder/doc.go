// Package reminder schedules and dispatches task reminders.
//
// The store is authoritative. The engine keeps only the near future (the
// horizon, 72h by default) in a sorted in-memory queue and sleeps until the
// earliest of the queue head and the next maintenance instant. Schedule
// persists first and wakes the loop when the new entry becomes the head.
//
// A simpler polling strategy that rescans due reminders on a fixed interval
// is available as Poller.
package reminder
