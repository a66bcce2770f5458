package sqlite

import (
	"database/sql"
	"time"

	"github.com/rangedown/rangedown/internal/storage"
)

// DownloadRepository stores download history records in SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

func (r *DownloadRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(`SELECT download_id, file_path, downloaded_at, status FROM downloads`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []storage.DownloadRecord

	for rows.Next() {
		var record storage.DownloadRecord

		var filePath sql.NullString

		err := rows.Scan(&record.DownloadID, &filePath, &record.DownloadedAt, &record.Status)
		if err != nil {
			return nil, err
		}

		if filePath.Valid {
			record.FilePath = filePath.String
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

// TrackDownload inserts a pending record for a freshly started download.
func (r *DownloadRepository) TrackDownload(downloadID, filePath string) error {
	var status string

	err := r.db.QueryRow(`SELECT status FROM downloads WHERE download_id = ?`, downloadID).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	if status == "downloaded" {
		return storage.ErrDownloaded
	}

	_, err = r.db.Exec(`
		INSERT INTO downloads (download_id, file_path, downloaded_at, status)
		VALUES (?, ?, ?, 'pending')
		ON CONFLICT(download_id) DO UPDATE SET
			file_path = excluded.file_path,
			downloaded_at = excluded.downloaded_at,
			status = 'pending'
	`, downloadID, filePath, time.Now().Format(time.RFC3339))

	return err
}

// UpdateDownloadStatus sets the status for a download.
func (r *DownloadRepository) UpdateDownloadStatus(downloadID, status string) error {
	_, err := r.db.Exec(`UPDATE downloads SET status = ?, downloaded_at = ? WHERE download_id = ?`,
		status, time.Now().Format(time.RFC3339), downloadID)

	return err
}
