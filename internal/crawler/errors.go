package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrIngestionHalted is returned once the storage stage has stopped accepting records.
	ErrIngestionHalted = errors.New("ingestion halted after unexpected storage error")
	// ErrContinuationConsumed is returned when a ticket is resumed more than once.
	ErrContinuationConsumed = errors.New("continuation already consumed")
	// ErrRendererDisabled indicates no headless renderer is available.
	ErrRendererDisabled = errors.New("renderer disabled")
)

// ConfigError reports a missing or invalid configuration key. It is fatal at startup.
type ConfigError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	if e.Key == "" {
		return "config: " + msg
	}
	return fmt.Sprintf("config %s: %s", e.Key, msg)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// UnknownSiteError is returned when a domain or site id has no parser.
type UnknownSiteError struct {
	Domain string
	Site   string
}

func (e *UnknownSiteError) Error() string {
	switch {
	case e.Domain != "" && e.Site != "":
		return fmt.Sprintf("no parser registered for site %q (domain %s)", e.Site, e.Domain)
	case e.Domain != "":
		return fmt.Sprintf("domain %s is not configured", e.Domain)
	default:
		return fmt.Sprintf("unknown site %q", e.Site)
	}
}

// DateFormatError is returned when no known layout matches a date string.
type DateFormatError struct {
	Input string
}

func (e *DateFormatError) Error() string {
	return fmt.Sprintf("unrecognised date format %q", e.Input)
}

// DuplicateRecordError is returned when an insert violates a uniqueness constraint.
type DuplicateRecordError struct {
	URL        string
	Constraint string
}

func (e *DuplicateRecordError) Error() string {
	if e.Constraint == "" {
		return fmt.Sprintf("duplicate record %s", e.URL)
	}
	return fmt.Sprintf("duplicate record %s (%s)", e.URL, e.Constraint)
}

// UnexpectedStorageError wraps any storage failure other than a duplicate.
type UnexpectedStorageError struct {
	URL string
	Err error
}

func (e *UnexpectedStorageError) Error() string {
	return fmt.Sprintf("store record %s: %v", e.URL, e.Err)
}

func (e *UnexpectedStorageError) Unwrap() error {
	return e.Err
}
