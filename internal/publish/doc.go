// Package publish writes synthesized merge commits to stable output references
// and retracts them when a topic stops merging cleanly or disappears.
package publish
