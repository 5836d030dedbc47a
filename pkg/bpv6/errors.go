package bpv6

import "errors"

// Wire-level error classification. Callers classify with errors.Is;
// messages may carry additional context via wrapping.
var (
	// ErrWrongVersion indicates a primary block version other than 6.
	ErrWrongVersion = errors.New("bpv6: wrong protocol version")
	// ErrParse indicates a malformed block sequence.
	ErrParse = errors.New("bpv6: bundle parse error")
	// ErrExpired indicates the bundle's lifetime has elapsed.
	ErrExpired = errors.New("bpv6: bundle expired")
	// ErrUnknownRecord indicates an administrative record of an
	// unsupported type.
	ErrUnknownRecord = errors.New("bpv6: unknown administrative record")
	// ErrIntegrity indicates a BIB check that did not match the
	// payload.
	ErrIntegrity = errors.New("bpv6: integrity check failed")
	// ErrBundleTooLarge indicates a bundle exceeding the configured
	// maximum length.
	ErrBundleTooLarge = errors.New("bpv6: bundle too large")
	// ErrInvalidEID indicates an endpoint ID outside the ipn scheme.
	ErrInvalidEID = errors.New("bpv6: invalid endpoint id")
	// ErrInvalidCipher indicates an unsupported BIB cipher suite.
	ErrInvalidCipher = errors.New("bpv6: invalid cipher suite")
)
