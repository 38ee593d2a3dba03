package utils

import (
	"io"
	"sync"
)

type flusher interface {
	Flush() error
}

// FlushingWriter serializes writes from concurrent reporters and flushes buffered writers after each one,
// so report lines appear while a long-running command is still going.
type FlushingWriter struct {
	mutex  sync.Mutex
	writer io.Writer
}

// NewFlushingWriter wraps writer unless it is nil or already a FlushingWriter.
func NewFlushingWriter(writer io.Writer) io.Writer {
	switch typed := writer.(type) {
	case nil:
		return nil
	case *FlushingWriter:
		return typed
	default:
		return &FlushingWriter{writer: writer}
	}
}

// Write delegates to the wrapped writer and then flushes it when it supports Flush.
func (flushingWriter *FlushingWriter) Write(data []byte) (int, error) {
	if flushingWriter == nil || flushingWriter.writer == nil {
		return 0, nil
	}

	flushingWriter.mutex.Lock()
	defer flushingWriter.mutex.Unlock()

	bytesWritten, writeError := flushingWriter.writer.Write(data)
	if writeError != nil {
		return bytesWritten, writeError
	}
	if buffered, isBuffered := flushingWriter.writer.(flusher); isBuffered {
		return bytesWritten, buffered.Flush()
	}
	return bytesWritten, nil
}
