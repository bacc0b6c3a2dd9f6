// Package dispatch delivers queued events to workflow handlers.
//
// Workers poll the durable queue, claim the oldest due event and hand it to
// the handler registered for its name. The event id doubles as the workflow
// run id, so a redelivered event resumes the same run.
//
// Outcomes:
//   - Handler succeeds → succeeded
//   - Handler error wrapping queue.ErrUnprocessable → failed, no retry
//   - Any other handler error → requeued with exponential backoff until
//     max_attempts, then dead
//   - No handler for the event name → failed
//   - Shutdown while running → left running; Recover requeues it on the
//     next start
package dispatch
