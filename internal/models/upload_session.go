package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// UploadStatus represents the lifecycle state of an upload session.
type UploadStatus string

// Upload session states.
const (
	UploadStatusInProgress UploadStatus = "in_progress"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
	UploadStatusCancelled  UploadStatus = "cancelled"
)

// IsTerminal returns true if no further byte transfer is possible.
func (s UploadStatus) IsTerminal() bool {
	switch s {
	case UploadStatusCompleted, UploadStatusFailed, UploadStatusCancelled:
		return true
	default:
		return false
	}
}

// UploadSession is the durable record of a single resumable upload. It is
// the only persisted state in the system: uploads must survive process
// restarts, so every committed append bumps BytesReceived here.
type UploadSession struct {
	BaseModel

	// UploadID is the URL suffix under /tus/ and the lookup key clients use.
	UploadID string `gorm:"uniqueIndex;not null;type:varchar(36)" json:"upload_id"`

	// StorageHandle references the pending media-store entry receiving bytes.
	StorageHandle string `gorm:"uniqueIndex;not null" json:"storage_handle"`

	Filename string `gorm:"not null" json:"filename"`
	MimeType string `json:"mime_type"`

	ExpectedBytes int64 `gorm:"not null" json:"expected_bytes"`
	BytesReceived int64 `gorm:"not null;default:0" json:"bytes_received"`

	Status UploadStatus `gorm:"not null;default:in_progress;index" json:"status"`

	// LastActivityAt drives expiry; bumped on every committed append.
	LastActivityAt time.Time `gorm:"index" json:"last_activity_at"`
}

// TableName overrides the GORM table name.
func (UploadSession) TableName() string {
	return "upload_sessions"
}

// Validate checks the session for invalid field values.
func (u *UploadSession) Validate() error {
	if u.UploadID == "" {
		return errors.New("upload session requires an upload id")
	}
	if u.StorageHandle == "" {
		return errors.New("upload session requires a storage handle")
	}
	if u.Filename == "" {
		return errors.New("upload session requires a filename")
	}
	if u.ExpectedBytes <= 0 {
		return errors.New("upload session requires a positive expected length")
	}
	if u.BytesReceived < 0 || u.BytesReceived > u.ExpectedBytes {
		return errors.New("upload session bytes received out of range")
	}
	return nil
}

// BeforeCreate validates the session and stamps activity.
func (u *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if err := u.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if u.Status == "" {
		u.Status = UploadStatusInProgress
	}
	if u.LastActivityAt.IsZero() {
		u.LastActivityAt = time.Now()
	}
	return u.Validate()
}

// RemainingBytes returns how many bytes the client still has to send.
func (u *UploadSession) RemainingBytes() int64 {
	return u.ExpectedBytes - u.BytesReceived
}

// IsComplete returns true once every expected byte has been committed.
func (u *UploadSession) IsComplete() bool {
	return u.BytesReceived == u.ExpectedBytes
}

// ExpiresAt returns the wall-clock instant this session becomes eligible
// for cleanup, given the configured expiry window.
func (u *UploadSession) ExpiresAt(expiry time.Duration) time.Time {
	return u.LastActivityAt.Add(expiry)
}
