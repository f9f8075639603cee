package audit

import (
	"context"
	"errors"
	"sync"
)

// MultiLogger fans each event out to several loggers
type MultiLogger struct {
	loggers []Logger
	async   bool

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewMultiLogger creates a synchronous fan-out logger
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// SetAsync makes Log return immediately; errors are collected for Errors
func (m *MultiLogger) SetAsync(async bool) {
	m.async = async
}

// Log writes event to every logger. In sync mode every logger is tried and
// the first error is returned.
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	if m.async {
		ctx = context.WithoutCancel(ctx)
		for _, l := range m.loggers {
			m.wg.Add(1)
			go func(l Logger) {
				defer m.wg.Done()
				if err := l.Log(ctx, event); err != nil {
					m.mu.Lock()
					m.errs = append(m.errs, err)
					m.mu.Unlock()
				}
			}(l)
		}
		return nil
	}

	var firstErr error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Wait blocks until pending async writes finish
func (m *MultiLogger) Wait() {
	m.wg.Wait()
}

// Errors drains errors collected from async writes
func (m *MultiLogger) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	errs := m.errs
	m.errs = nil
	return errs
}

// Close waits for pending writes and closes every logger
func (m *MultiLogger) Close() error {
	m.wg.Wait()
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
