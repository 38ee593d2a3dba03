// Package reconcile keeps one merge commit per topic branch in step with the
// target branch. Change events mark branches stale, a bounded worker pool
// re-synthesizes them, and every outcome is persisted and published.
package reconcile
