package utils

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logLevelDebugStringConstant          = "debug"
	logLevelInfoStringConstant           = "info"
	logLevelWarnStringConstant           = "warn"
	logLevelErrorStringConstant          = "error"
	logFormatStructuredStringConstant    = "structured"
	logFormatConsoleStringConstant       = "console"
	jsonZapEncodingStringConstant        = "json"
	consoleZapEncodingStringConstant     = "console"
	unsupportedLogLevelTemplateConstant  = "unsupported log level: %s"
	unsupportedLogFormatTemplateConstant = "unsupported log format: %s"
	defaultLogFileMaxSizeConstant        = 100
	defaultLogFileMaxBackupsConstant     = 5
	defaultLogFileMaxAgeDaysConstant     = 28
)

// LogLevel enumerates supported logging granularities.
type LogLevel string

// Exported log level constants for reuse across packages.
const (
	LogLevelDebug LogLevel = LogLevel(logLevelDebugStringConstant)
	LogLevelInfo  LogLevel = LogLevel(logLevelInfoStringConstant)
	LogLevelWarn  LogLevel = LogLevel(logLevelWarnStringConstant)
	LogLevelError LogLevel = LogLevel(logLevelErrorStringConstant)
)

// LogFormat enumerates supported logger output encodings.
type LogFormat string

// Exported log format constants for reuse across packages.
const (
	LogFormatStructured LogFormat = LogFormat(logFormatStructuredStringConstant)
	LogFormatConsole    LogFormat = LogFormat(logFormatConsoleStringConstant)
)

// LoggerFactory builds zap.Logger instances with consistent configuration.
type LoggerFactory struct{}

var logLevelMapping = map[LogLevel]zapcore.Level{
	LogLevelDebug: zapcore.DebugLevel,
	LogLevelInfo:  zapcore.InfoLevel,
	LogLevelWarn:  zapcore.WarnLevel,
	LogLevelError: zapcore.ErrorLevel,
}

var logFormatEncodingMapping = map[LogFormat]string{
	LogFormatStructured: jsonZapEncodingStringConstant,
	LogFormatConsole:    consoleZapEncodingStringConstant,
}

// NewLoggerFactory constructs a new logger factory.
func NewLoggerFactory() *LoggerFactory {
	return &LoggerFactory{}
}

// CreateLogger produces a zap.Logger honoring the requested log level and format.
func (factory *LoggerFactory) CreateLogger(requestedLogLevel LogLevel, requestedLogFormat LogFormat) (*zap.Logger, error) {
	zapLogLevel, levelExists := logLevelMapping[requestedLogLevel]
	if !levelExists {
		return nil, fmt.Errorf(unsupportedLogLevelTemplateConstant, requestedLogLevel)
	}

	encoding, formatExists := logFormatEncodingMapping[requestedLogFormat]
	if !formatExists {
		return nil, fmt.Errorf(unsupportedLogFormatTemplateConstant, requestedLogFormat)
	}

	configuration := zap.NewProductionConfig()
	configuration.Level = zap.NewAtomicLevelAt(zapLogLevel)
	configuration.Encoding = encoding

	logger, buildError := configuration.Build()
	if buildError != nil {
		return nil, buildError
	}

	return logger, nil
}

// LogFileOptions configures the rotating log file written alongside stderr.
type LogFileOptions struct {
	Path             string
	MaxSizeMegabytes int
	MaxBackups       int
	MaxAgeDays       int
	Compress         bool
}

// CreateLoggerWithFile produces a logger that writes to stderr and, when options.Path is set,
// also to a size-rotated JSON log file.
func (factory *LoggerFactory) CreateLoggerWithFile(requestedLogLevel LogLevel, requestedLogFormat LogFormat, options LogFileOptions) (*zap.Logger, error) {
	logger, creationError := factory.CreateLogger(requestedLogLevel, requestedLogFormat)
	if creationError != nil {
		return nil, creationError
	}

	logFilePath := strings.TrimSpace(options.Path)
	if len(logFilePath) == 0 {
		return logger, nil
	}

	rotatingWriter := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    positiveOrDefault(options.MaxSizeMegabytes, defaultLogFileMaxSizeConstant),
		MaxBackups: positiveOrDefault(options.MaxBackups, defaultLogFileMaxBackupsConstant),
		MaxAge:     positiveOrDefault(options.MaxAgeDays, defaultLogFileMaxAgeDaysConstant),
		Compress:   options.Compress,
	}
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(rotatingWriter),
		logLevelMapping[requestedLogLevel],
	)

	return logger.WithOptions(zap.WrapCore(func(stderrCore zapcore.Core) zapcore.Core {
		return zapcore.NewTee(stderrCore, fileCore)
	})), nil
}

func positiveOrDefault(value int, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
