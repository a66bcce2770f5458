package sqlite

import (
	"context"
	"database/sql"

	"github.com/rangedown/rangedown/internal/storage"
	"github.com/rangedown/rangedown/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all history records with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_downloads", func(ctx context.Context) error {
		result, err = r.repo.GetDownloads()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// TrackDownload tracks a freshly started download with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(downloadID, filePath string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(downloadID, filePath)
	})
}

// UpdateDownloadStatus updates a download status with telemetry.
func (r *InstrumentedDownloadRepository) UpdateDownloadStatus(downloadID, status string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "update_download_status", func(ctx context.Context) error {
		return r.repo.UpdateDownloadStatus(downloadID, status)
	})
}
