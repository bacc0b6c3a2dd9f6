// Package step implements memoized, replay-safe workflow steps.
//
// A workflow run is identified by a run id (the id of the event that
// triggered it). Every side effect inside the run is wrapped in a named step:
//
//	sandboxID, err := step.Do(ctx, run, "get-sandbox-id", func(ctx context.Context) (string, error) {
//		...
//	})
//
// The first time a step completes its JSON-encoded result is stored under
// (run id, step key). Any later execution of the same run returns the stored
// value without calling the function again, so a run that failed halfway or
// was interrupted by a restart resumes at the first incomplete step.
//
// Step keys:
//   - The n-th call of a name within one run gets key "name#n" (the first is
//     just "name"). Workflow code must therefore call steps in a
//     deterministic order, which holds as long as branching depends only on
//     prior step results.
//
// Failure handling:
//   - A failing step is retried with exponential backoff up to the configured
//     attempt limit. Errors wrapped with Permanent skip the remaining attempts.
//   - When attempts are exhausted Do returns *ExhaustedError; records of
//     completed steps are kept so a relaunch skips them.
//   - Context cancellation is returned as-is and never recorded.
//
// Run.Sleep is a durable delay: the wake-up time is itself a step, so a
// replay waits only for whatever remains.
package step
