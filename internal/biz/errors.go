package biz

import "errors"

var (
	// ErrDiscoveryFailure means no blacklist document could be located.
	ErrDiscoveryFailure = errors.New("blacklist document not discovered")
	// ErrDocumentNotFound means the document handle does not resolve and
	// strict mode forbids creating one.
	ErrDocumentNotFound = errors.New("blacklist document not found")
	// ErrPersistenceDenied wraps transport or permission failures on edit.
	ErrPersistenceDenied = errors.New("blacklist persistence denied")
	ErrInvalidThresholds = errors.New("invalid match thresholds")
	ErrInvalidRequest    = errors.New("invalid request")

	ErrClassifierTimeout     = errors.New("classifier timed out")
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	ErrMalformedResult       = errors.New("malformed classification result")
)
