// Package daemon assembles the merge pipeline from configuration and exposes it as CLI commands.
package daemon
