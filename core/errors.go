package core

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when a logger or service is used after shutdown.
	ErrClosed = errors.New("closed")

	// ErrNoSchema is returned when a device has no schema in force.
	ErrNoSchema = errors.New("no active schema")

	// ErrTimepointTooEarly is returned when a request lies before anything logged.
	ErrTimepointTooEarly = errors.New("requested time point earlier than anything logged")

	// ErrOutsideLoggedData is returned when a time point is not covered by a logging session.
	ErrOutsideLoggedData = errors.New("time point outside any valid logged data")

	// ErrOutOfRange is returned for request parameters outside their accepted range.
	ErrOutOfRange = errors.New("value out of range")

	// ErrConfiguration is returned for fatal configuration problems detected at startup.
	ErrConfiguration = errors.New("configuration error")
)

// OutOfRangeError names the offending parameter, its value and the limit.
type OutOfRangeError struct {
	Name  string
	Value int64
	Limit int64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("%s %d is out of range: must be between 0 and %d", e.Name, e.Value, e.Limit)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// TemporalError reports a request outside the time coverage of the archive.
type TemporalError struct {
	DeviceID  string
	Requested Timestamp
	Reason    error // ErrTimepointTooEarly or ErrOutsideLoggedData
	Detail    string
}

func (e *TemporalError) Error() string {
	msg := fmt.Sprintf("device '%s': %v (requested %s)", e.DeviceID, e.Reason, e.Requested.ISO8601())
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *TemporalError) Unwrap() error {
	return e.Reason
}

// ConfigurationError is a fatal startup problem such as an unwritable directory.
type ConfigurationError struct {
	Option string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("configuration error for '%s'", e.Option)
	}
	return fmt.Sprintf("configuration error for '%s': %v", e.Option, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// IsOutOfRange checks if an error is an out-of-range rejection.
func IsOutOfRange(err error) bool {
	var rangeErr *OutOfRangeError
	return errors.As(err, &rangeErr)
}

// IsTemporal checks if an error reports a request outside the archive's coverage.
func IsTemporal(err error) bool {
	var temporalErr *TemporalError
	return errors.As(err, &temporalErr)
}
