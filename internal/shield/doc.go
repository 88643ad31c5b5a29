// Package shield implements the Dark-Pattern Shield: a pure decision
// function that classifies a page observation from the automation agent and
// selects the next orchestration action.
//
// The Shield holds no state of its own. The retention-loop counter and the
// single unrecognized-page retry live in the caller's input, which is what
// makes Decide safe to invoke concurrently from any number of runs.
package shield
