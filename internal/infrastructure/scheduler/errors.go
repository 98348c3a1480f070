package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when triggering a stopped scheduler
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrSchedulerAlreadyRunning is returned when Start is called twice
	ErrSchedulerAlreadyRunning = errors.New("scheduler is already running")

	// ErrRunInProgress is returned when a run is requested while another is still going
	ErrRunInProgress = errors.New("reconciliation run already in progress")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
