// Package autocapture runs one timed capture loop per project.
//
// The Scheduler keeps a registry of active loops keyed by project id. Each
// loop re-reads its project before every capture, calls the Executor, and
// waits the project's interval (or the failure backoff) before the next one.
// A loop removes itself from the registry when the project is complete, when
// the project disappears, when the store fails, or when it is stopped.
//
// Lifecycle events are published on the event bus under the "autocapture."
// prefix.
package autocapture
