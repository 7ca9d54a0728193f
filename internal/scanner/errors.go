package scanner

import "errors"

var (
	// ErrScanNotFound is returned for an id that is neither running nor cached,
	// and by Export while no final result is cached.
	ErrScanNotFound = errors.New("scan not found")
	// ErrEmptyResult is returned when a scan has nothing to export.
	ErrEmptyResult = errors.New("scan result is empty")
	// ErrTooManyScans is returned when the concurrent scan limit is reached.
	ErrTooManyScans = errors.New("too many concurrent scans")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid scan request")
	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("scanner is shutting down")
	// ErrRegistryUnavailable is returned by BatchRegister without a registry.
	ErrRegistryUnavailable = errors.New("device registry is not configured")
	// ErrUnknownProtocol marks a requested protocol with no probe behind it.
	ErrUnknownProtocol = errors.New("unknown protocol")
)
