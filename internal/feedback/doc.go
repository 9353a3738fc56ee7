// Package feedback stores user verdicts on reported deadlines and turns them
// into confidence adjustments for later runs.
//
// Records are keyed by a Fingerprint that is stable across runs and
// messages. JSONLStore appends one JSON object per line under an exclusive
// file lock; MemoryStore backs tests and runs with feedback disabled. An
// Index built from the records answers lookups using a recency-weighted
// Policy.
package feedback
