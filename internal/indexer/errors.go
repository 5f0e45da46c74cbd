package indexer

import "errors"

var (
	// ErrErrorBudgetExceeded aborts a job whose per-file failures exceeded
	// the configured budget.
	ErrErrorBudgetExceeded = errors.New("indexer: error budget exceeded")

	// ErrUnknownProject is returned by the manager for unregistered projects.
	ErrUnknownProject = errors.New("indexer: unknown project")

	// ErrManagerClosed is returned after the manager shut down.
	ErrManagerClosed = errors.New("indexer: manager closed")
)
