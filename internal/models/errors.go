package models

import (
	"errors"
	"fmt"
)

var (
	// ErrStopRequested is returned by checkpoints once the job's cancellation token is set
	ErrStopRequested = errors.New("stop requested")

	// ErrAlreadyExecuted is returned by a second Execute on the same controller
	ErrAlreadyExecuted = errors.New("job already executed")

	// ErrNotSetup is returned when Execute or Finalize run before Setup
	ErrNotSetup = errors.New("job not set up")

	// ErrUnknownBot is returned by the launcher for an unregistered (category, system)
	ErrUnknownBot = errors.New("no bot registered for category and system")

	// ErrNoMessage is returned when the task queue is empty
	ErrNoMessage = errors.New("no messages in queue")

	// ErrNotFound is returned by stores for a missing key
	ErrNotFound = errors.New("not found")

	// ErrJobExists is returned when a pid is submitted while its job is still live
	ErrJobExists = errors.New("job already exists")
)

// ConfigError reports a missing or invalid job configuration. The job becomes Failed.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid job config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid job config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RowError is a recoverable failure contained to one row
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// DriverFatalError reports that the shared browser driver is unusable
type DriverFatalError struct {
	Op  string
	Err error
}

func (e *DriverFatalError) Error() string {
	return fmt.Sprintf("driver fatal during %s: %v", e.Op, e.Err)
}

func (e *DriverFatalError) Unwrap() error { return e.Err }

// IsDriverFatal reports whether err carries a *DriverFatalError
func IsDriverFatal(err error) bool {
	var target *DriverFatalError
	return errors.As(err, &target)
}

// PublishError reports a progress event dropped after all attempts
type PublishError struct {
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
