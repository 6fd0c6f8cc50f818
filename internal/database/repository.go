package database

import (
	"context"

	"spreadwatch/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	SaveScanResult(ctx context.Context, result model.ScanResult) error
	SavePosition(ctx context.Context, pos model.VirtualPosition) error
}
