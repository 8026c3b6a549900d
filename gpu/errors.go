package gpu

import "github.com/cockroachdb/errors"

// Error classes. Every class is fatal; surface invalidation is reported
// through Status instead.
var (
	ErrCapability      = errors.New("device capability unavailable")
	ErrAllocation      = errors.New("device allocation failed")
	ErrSynchronization = errors.New("device synchronization failed")
)

func CapabilityErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCapability)
}

func AllocationError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrAllocation)
}

func AllocationErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrAllocation)
}

func SynchronizationError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrSynchronization)
}

// Class names the error class of err for logging, or "" if unclassified.
func Class(err error) string {
	switch {
	case errors.Is(err, ErrCapability):
		return "capability"
	case errors.Is(err, ErrAllocation):
		return "allocation"
	case errors.Is(err, ErrSynchronization):
		return "synchronization"
	}
	return ""
}
