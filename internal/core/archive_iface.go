package core

import (
	"context"

	"github.com/dkeye/Hearth/internal/domain"
)

//go:generate mockgen -source=archive_iface.go -destination=mocks/archive_mock.go -package=mocks

// ArchiveStore is the sink for records moved out by maintenance.
type ArchiveStore interface {
	Write(ctx context.Context, batch domain.ArchiveBatch) error
}
