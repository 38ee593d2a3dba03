// Package cli constructs the premerge command-line interface, wiring the
// Cobra command hierarchy, configuration loader, and structured logging
// primitives around the merge daemon commands.
package cli
