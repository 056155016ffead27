// Package compact implements the token estimator and the conversation
// compactor: collapsing a long message path into a single summary
// message so it fits a model's context window.
//
// Estimate gives a fast, provider-agnostic token count for a path.
// Compact finds a cut point that keeps the most recent turns intact,
// summarizes (or, on failure, truncates) everything before it, and
// splices the summary in with store.ReplacePathSegment so the tree's
// parent_id chain stays intact for every surviving message.
package compact
