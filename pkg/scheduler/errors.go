package scheduler

import (
	"errors"
)

var (
	// ErrInvalidJob wraps validation failures of a new scheduled job.
	ErrInvalidJob = errors.New("invalid scheduled job")

	// ErrInvalidState is returned when pausing or resuming a job whose status does not allow it.
	ErrInvalidState = errors.New("scheduled job cannot change to the requested status")

	// errStale aborts an update whose job moved on since the run was enqueued.
	errStale = errors.New("scheduled job run is stale")
)

func IsInvalidJob(err error) bool {
	return errors.Is(err, ErrInvalidJob)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
