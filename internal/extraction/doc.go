// Package extraction turns normalized messages into deadline candidates.
//
// Two extractors share the package:
//   - PatternExtractor matches a table of weighted deadline phrases and
//     resolves the nearest date. It is deterministic and free.
//   - ModelExtractor sends batches of messages to an OpenAI-compatible chat
//     endpoint with a strict JSON schema. It is optional and every call is
//     charged against a budget confirmed before the run.
//
// Rule tables are loaded from YAML or TOML with LoadRules; DefaultRules
// returns the built-in table.
package extraction
