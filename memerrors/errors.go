package memerrors

import (
	"errors"
	"strings"
)

// Memory (M) Errors
var (
	ErrAcquisition      = errors.New("M1|Acquisition: The backing region for guest physical memory could not be obtained.")
	ErrInvalidAccess    = errors.New("M2|InvalidAccess: Physical address is outside guest memory and no MMIO fallback is available.")
	ErrQueueOverflow    = errors.New("M3|QueueOverflow: Store commit queue overflow, store recording disabled.")
	ErrUnsupportedWidth = errors.New("M4|UnsupportedWidth: Access width is not supported for this operation.")
)

// Difftest (D) Errors
var (
	ErrUnderrun = errors.New("D1|Underrun: Reference committed a store but the simulator did not.")
	ErrMismatch = errors.New("D2|Mismatch: Simulator store commit differs from the reference.")
)

var known = []error{
	ErrAcquisition,
	ErrInvalidAccess,
	ErrQueueOverflow,
	ErrUnsupportedWidth,
	ErrUnderrun,
	ErrMismatch,
}

// Sentinel returns the known error that err wraps, or nil.
func Sentinel(err error) error {
	if err == nil {
		return nil
	}
	for _, e := range known {
		if errors.Is(err, e) {
			return e
		}
	}
	return nil
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	if s := Sentinel(err); s != nil {
		err = s
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code ("M2", "D1", ...) from err or the sentinel it wraps.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if s := Sentinel(err); s != nil {
		err = s
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// IsFatal reports whether err belongs to the unrecoverable part of the taxonomy.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAcquisition) || errors.Is(err, ErrUnsupportedWidth)
}
