package engine

import "errors"

var (
	// ErrUnavailable means the engine cannot run this job at all (missing
	// binary, unloadable weight). Not retryable within the same job; the
	// executor's fallback policy takes over.
	ErrUnavailable = errors.New("engine unavailable")

	// ErrTransient means the engine failed in a way that may succeed on
	// retry (OOM, timeout, flaky subprocess). Retried once per job.
	ErrTransient = errors.New("transient engine error")
)
