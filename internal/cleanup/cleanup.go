package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/rangedown/rangedown/internal/logctx"
	"github.com/rangedown/rangedown/internal/storage"
)

// DeleteExpiredFiles deletes downloaded files older than keepDuration
// based on history records. Records whose file is already gone are
// skipped; only records in the downloaded state are considered.
func DeleteExpiredFiles(ctx context.Context, records []storage.DownloadRecord, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx).With("component", "cleanup")
	now := time.Now()

	for _, rec := range records {
		if rec.Status != "downloaded" || rec.FilePath == "" {
			continue
		}

		info, err := os.Stat(rec.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("failed to stat file", "file", rec.FilePath, "err", err)

			return err
		}

		downloadedAt, err := time.Parse(time.RFC3339, rec.DownloadedAt)
		if err != nil {
			// fallback: use file mod time
			logger.Warn("failed to parse download time, using file mod time", "file", rec.FilePath, "err", err)

			downloadedAt = info.ModTime()
		}

		if now.Sub(downloadedAt) > keepDuration {
			if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
				logger.Error("failed to delete expired file", "file", rec.FilePath, "err", err)

				return err
			}

			logger.Info("deleted expired file", "file", rec.FilePath)
		}
	}

	return nil
}
