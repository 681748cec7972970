package history

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty, non-numeric or not positive.
	ErrInvalidUserID = errors.New("history: invalid user id")
	// ErrInvalidAvatarID indicates that an avatar identifier is empty or malformed.
	ErrInvalidAvatarID = errors.New("history: invalid avatar id")
	// ErrEmptyContent indicates that an avatar insert carried no content fingerprint.
	ErrEmptyContent = errors.New("history: empty avatar content")
)

// UserID is a platform snowflake identifying a user.
type UserID int64

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidUserID, trimmed)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw snowflake value.
func (id UserID) Int64() int64 {
	return int64(id)
}

// String returns the decimal form of the identifier.
func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// AvatarRecord is one stored avatar change. Rows are append-only.
type AvatarRecord struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	AvatarID    string    `gorm:"column:avatar_id;size:36;not null;uniqueIndex:idx_avatar_history_avatar_id"`
	UserID      int64     `gorm:"column:user_id;not null;index:idx_avatar_history_user_changed,priority:1"`
	ChangedAt   time.Time `gorm:"column:changed_at;not null;index:idx_avatar_history_user_changed,priority:2,sort:desc"`
	Format      string    `gorm:"column:format;size:16;not null;default:''"`
	ContentHash string    `gorm:"column:content_hash;size:64;not null"`
	Size        int64     `gorm:"column:size;not null;default:0"`
	BlobURL     string    `gorm:"column:avatar_url;type:text;not null;default:''"`
	Avatar      []byte    `gorm:"column:avatar"`
}

// TableName provides the explicit table binding for GORM.
func (AvatarRecord) TableName() string {
	return "avatar_history"
}

// Inline reports whether the avatar bytes live in the row rather than behind BlobURL.
func (record AvatarRecord) Inline() bool {
	return len(record.Avatar) > 0
}

// NameRecord is one stored display-name change. Rows are append-only.
type NameRecord struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64     `gorm:"column:user_id;not null;index:idx_username_history_user_changed,priority:1"`
	ChangedAt time.Time `gorm:"column:time_changed;not null;index:idx_username_history_user_changed,priority:2,sort:desc"`
	Name      string    `gorm:"column:name;size:320;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NameRecord) TableName() string {
	return "username_history"
}

// AvatarInsert describes a captured avatar about to be persisted.
// Inline inserts are compared byte for byte against an inline latest row. Otherwise
// ContentHash and Size identify the content.
type AvatarInsert struct {
	UserID      UserID
	ChangedAt   time.Time
	Format      string
	ContentHash string
	Size        int64
	BlobURL     string
	Avatar      []byte
}

func (insert AvatarInsert) validate() error {
	if insert.UserID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUserID, insert.UserID)
	}
	if strings.TrimSpace(insert.ContentHash) == "" {
		return ErrEmptyContent
	}
	return nil
}

// sameContent compares bytes when both sides were stored inline. Sink-stored rows keep
// no bytes, so the fingerprint stands in for them.
func (insert AvatarInsert) sameContent(record AvatarRecord) bool {
	if len(insert.Avatar) > 0 && len(record.Avatar) > 0 {
		return bytes.Equal(insert.Avatar, record.Avatar)
	}
	return record.ContentHash == insert.ContentHash && record.Size == insert.Size
}
