package repository

import "context"

// Repositories holds all repository instances.
type Repositories struct {
	Sessions UploadSessionRepository
	Parts    UploadPartRepository
}

// DatabaseHealth is an interface for database health checks.
// It satisfies handler.HealthChecker.
type DatabaseHealth interface {
	Ping(ctx context.Context) error
	Health(ctx context.Context) error
	Close() error
}
