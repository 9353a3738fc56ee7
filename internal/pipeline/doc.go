// Package pipeline runs one scan end to end.
//
// An Orchestrator computes the scan window, pulls messages lazily from a
// mail source, normalizes them, runs pattern extraction on a bounded worker
// pool, optionally runs the model extractor within a cost budget, and
// reconciles everything into the final deadline list.
//
// Only a configuration error or an unavailable source fails a run. Every
// other problem is recorded in Stats and the run continues with what it
// has. The orchestrator never writes feedback.
package pipeline
