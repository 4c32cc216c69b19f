// Package schedule implements the recurring-schedule core: the recurrence
// expression grammar, the pure grid arithmetic, the persisted record, and
// the entry protocol (is-due / next-run / advance) consumed by the poller.
//
// The package performs no I/O of its own; persistence happens through the
// Saver interface so the store wiring stays outside the core.
package schedule
