package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew      = "history.store.new"
	opInsertAvatar  = "history.insert_avatar"
	opInsertName    = "history.insert_name"
	opCountBefore   = "history.count_before"
	opFetchPage     = "history.fetch_page"
	opListAvatarIDs = "history.list_avatar_ids"
	opFindAvatar    = "history.find_avatar"
	opLatestName    = "history.latest_name"
	opListNames     = "history.list_names"

	fieldUserID   = "user_id"
	fieldAvatarID = "avatar_id"

	queryUserID            = "user_id = ?"
	queryUserBefore        = "user_id = ? AND changed_at < ?"
	queryAvatarID          = "avatar_id = ?"
	orderChangedAtDesc     = "changed_at DESC, id DESC"
	orderNameChangedAtDesc = "time_changed DESC, id DESC"

	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidInput      = "invalid_input"
	reasonLockFailed        = "lock_failed"
	reasonLatestLookup      = "latest_lookup_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonInsertFailed      = "insert_failed"
	reasonQueryFailed       = "query_failed"
	reasonNotFound          = "not_found"

	dialectPostgres = "postgres"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("history: not found")

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues public avatar identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (string, error)

// NewID calls f.
func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues UUIDv7 avatar ids. They are the blob ids served under
// /static, and the time prefix keeps a user's ids roughly in capture order.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("history: generate avatar id: %w", err)
		}
		return value.String(), nil
	})
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store persists the append-only avatar and name histories.
type Store struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates dependencies and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opStoreNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// InsertAvatar appends an avatar row unless the user's most recent row already holds
// the same content. It reports whether a row was written. The latest-row check and
// the insert run in one transaction holding a per-user lock.
func (store *Store) InsertAvatar(ctx context.Context, insert AvatarInsert) (bool, error) {
	if store.db == nil {
		store.logError(opInsertAvatar, reasonMissingDatabase, errMissingDatabase)
		return false, newServiceError(opInsertAvatar, reasonMissingDatabase, errMissingDatabase)
	}
	if err := insert.validate(); err != nil {
		return false, newServiceError(opInsertAvatar, reasonInvalidInput, err)
	}

	inserted := false
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := lockUser(transaction, insert.UserID); err != nil {
			store.logError(opInsertAvatar, reasonLockFailed, err, zap.Int64(fieldUserID, insert.UserID.Int64()))
			return newServiceError(opInsertAvatar, reasonLockFailed, err)
		}

		var latest AvatarRecord
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "content_hash", "size", "avatar").
			Where(queryUserID, insert.UserID.Int64()).
			Order(orderChangedAtDesc).
			Limit(1).
			Take(&latest).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			store.logError(opInsertAvatar, reasonLatestLookup, err, zap.Int64(fieldUserID, insert.UserID.Int64()))
			return newServiceError(opInsertAvatar, reasonLatestLookup, err)
		case insert.sameContent(latest):
			return nil
		}

		avatarID, idErr := store.idProvider.NewID()
		if idErr != nil {
			store.logError(opInsertAvatar, reasonIDGeneration, idErr, zap.Int64(fieldUserID, insert.UserID.Int64()))
			return newServiceError(opInsertAvatar, reasonIDGeneration, idErr)
		}

		record := AvatarRecord{
			AvatarID:    avatarID,
			UserID:      insert.UserID.Int64(),
			ChangedAt:   insert.ChangedAt.UTC(),
			Format:      strings.ToLower(strings.TrimSpace(insert.Format)),
			ContentHash: insert.ContentHash,
			Size:        insert.Size,
			BlobURL:     insert.BlobURL,
			Avatar:      insert.Avatar,
		}
		if err := transaction.Create(&record).Error; err != nil {
			store.logError(opInsertAvatar, reasonInsertFailed, err, zap.Int64(fieldUserID, insert.UserID.Int64()))
			return newServiceError(opInsertAvatar, reasonInsertFailed, err)
		}
		inserted = true
		return nil
	})
	if transactionError != nil {
		return false, transactionError
	}
	return inserted, nil
}

// InsertName appends a name row. Callers are responsible for confirming the name changed.
func (store *Store) InsertName(ctx context.Context, userID UserID, changedAt time.Time, name string) error {
	if store.db == nil {
		store.logError(opInsertName, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opInsertName, reasonMissingDatabase, errMissingDatabase)
	}
	if userID <= 0 {
		return newServiceError(opInsertName, reasonInvalidInput, fmt.Errorf("%w: %d", ErrInvalidUserID, userID))
	}
	record := NameRecord{
		UserID:    userID.Int64(),
		ChangedAt: changedAt.UTC(),
		Name:      name,
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		store.logError(opInsertName, reasonInsertFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return newServiceError(opInsertName, reasonInsertFailed, err)
	}
	return nil
}

// CountBefore counts the user's avatar rows changed strictly before cutoff.
func (store *Store) CountBefore(ctx context.Context, userID UserID, cutoff time.Time) (int, error) {
	if store.db == nil {
		store.logError(opCountBefore, reasonMissingDatabase, errMissingDatabase)
		return 0, newServiceError(opCountBefore, reasonMissingDatabase, errMissingDatabase)
	}
	var count int64
	if err := store.db.WithContext(ctx).
		Model(&AvatarRecord{}).
		Where(queryUserBefore, userID.Int64(), cutoff.UTC()).
		Count(&count).Error; err != nil {
		store.logError(opCountBefore, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return 0, newServiceError(opCountBefore, reasonQueryFailed, err)
	}
	return int(count), nil
}

// FetchPage returns up to limit avatar rows changed before cutoff, newest first, skipping offset rows.
func (store *Store) FetchPage(ctx context.Context, userID UserID, cutoff time.Time, limit, offset int) ([]AvatarRecord, error) {
	if store.db == nil {
		store.logError(opFetchPage, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opFetchPage, reasonMissingDatabase, errMissingDatabase)
	}
	if limit <= 0 || offset < 0 {
		return nil, newServiceError(opFetchPage, reasonInvalidInput, fmt.Errorf("limit %d offset %d", limit, offset))
	}
	var records []AvatarRecord
	if err := store.db.WithContext(ctx).
		Omit("avatar").
		Where(queryUserBefore, userID.Int64(), cutoff.UTC()).
		Order(orderChangedAtDesc).
		Limit(limit).
		Offset(offset).
		Find(&records).Error; err != nil {
		store.logError(opFetchPage, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return nil, newServiceError(opFetchPage, reasonQueryFailed, err)
	}
	return records, nil
}

// ListAvatarIDs returns every avatar identifier stored for the user, newest first.
func (store *Store) ListAvatarIDs(ctx context.Context, userID UserID) ([]string, error) {
	if store.db == nil {
		store.logError(opListAvatarIDs, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListAvatarIDs, reasonMissingDatabase, errMissingDatabase)
	}
	var avatarIDs []string
	if err := store.db.WithContext(ctx).
		Model(&AvatarRecord{}).
		Where(queryUserID, userID.Int64()).
		Order(orderChangedAtDesc).
		Pluck("avatar_id", &avatarIDs).Error; err != nil {
		store.logError(opListAvatarIDs, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return nil, newServiceError(opListAvatarIDs, reasonQueryFailed, err)
	}
	return avatarIDs, nil
}

// FindAvatar loads a single avatar row, including inline bytes, by its public identifier.
func (store *Store) FindAvatar(ctx context.Context, avatarID string) (AvatarRecord, error) {
	if store.db == nil {
		store.logError(opFindAvatar, reasonMissingDatabase, errMissingDatabase)
		return AvatarRecord{}, newServiceError(opFindAvatar, reasonMissingDatabase, errMissingDatabase)
	}
	trimmed := strings.TrimSpace(avatarID)
	if trimmed == "" {
		return AvatarRecord{}, newServiceError(opFindAvatar, reasonInvalidInput, ErrInvalidAvatarID)
	}
	var record AvatarRecord
	err := store.db.WithContext(ctx).Where(queryAvatarID, trimmed).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AvatarRecord{}, newServiceError(opFindAvatar, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		store.logError(opFindAvatar, reasonQueryFailed, err, zap.String(fieldAvatarID, trimmed))
		return AvatarRecord{}, newServiceError(opFindAvatar, reasonQueryFailed, err)
	}
	return record, nil
}

// LatestName returns the most recently recorded name for the user, if any.
func (store *Store) LatestName(ctx context.Context, userID UserID) (string, bool, error) {
	if store.db == nil {
		store.logError(opLatestName, reasonMissingDatabase, errMissingDatabase)
		return "", false, newServiceError(opLatestName, reasonMissingDatabase, errMissingDatabase)
	}
	var record NameRecord
	err := store.db.WithContext(ctx).
		Where(queryUserID, userID.Int64()).
		Order(orderNameChangedAtDesc).
		Limit(1).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		store.logError(opLatestName, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return "", false, newServiceError(opLatestName, reasonQueryFailed, err)
	}
	return record.Name, true, nil
}

// ListNames returns the user's recorded names, newest first.
func (store *Store) ListNames(ctx context.Context, userID UserID) ([]NameRecord, error) {
	if store.db == nil {
		store.logError(opListNames, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListNames, reasonMissingDatabase, errMissingDatabase)
	}
	var records []NameRecord
	if err := store.db.WithContext(ctx).
		Where(queryUserID, userID.Int64()).
		Order(orderNameChangedAtDesc).
		Find(&records).Error; err != nil {
		store.logError(opListNames, reasonQueryFailed, err, zap.Int64(fieldUserID, userID.Int64()))
		return nil, newServiceError(opListNames, reasonQueryFailed, err)
	}
	return records, nil
}

// lockUser serializes writers for one user until the transaction ends. SQLite runs with a
// single writer connection, so only postgres needs an explicit lock.
func lockUser(transaction *gorm.DB, userID UserID) error {
	if transaction.Dialector.Name() != dialectPostgres {
		return nil
	}
	return transaction.Exec("SELECT pg_advisory_xact_lock(?)", userID.Int64()).Error
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("history store error", attrs...)
}
