// Package utils exposes reusable helpers consumed by the CLI and the daemon commands.
//
// It houses ConfigurationLoader and LoggerFactory abstractions that integrate
// Viper, environment variables, and zap logging (optionally teed into a
// rotating file), plus FlushingWriter and CommandContextAccessor.
package utils
