package scheduler

import "errors"

var (
	// ErrJobNotFound is returned when a job is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job name is registered twice
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrInvalidExpression is returned for an unparseable cron expression
	ErrInvalidExpression = errors.New("invalid cron expression")
)
