package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/du-cki/Kana/internal/history"
	"go.uber.org/zap"
)

func TestOpenMigratesSchemaAndBackfillsFormat(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	db, err := Connect(Config{Driver: DriverSQLite, DSN: databasePath})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&history.AvatarRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []history.AvatarRecord{
		{AvatarID: "a-1", UserID: 1, ChangedAt: time.Unix(1, 0).UTC(), ContentHash: "h1", BlobURL: "https://cdn.example/1/abc.GIF?size=1024"},
		{AvatarID: "a-2", UserID: 1, ChangedAt: time.Unix(2, 0).UTC(), ContentHash: "h2", BlobURL: ""},
		{AvatarID: "a-3", UserID: 1, ChangedAt: time.Unix(3, 0).UTC(), ContentHash: "h3", Format: "webp", BlobURL: "https://cdn.example/3.png"},
	}
	if err := db.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy rows: %v", err)
	}

	if err := Migrate(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	want := map[string]string{"a-1": "gif", "a-2": "", "a-3": "webp"}
	for avatarID, wantFormat := range want {
		var stored history.AvatarRecord
		if err := db.Where("avatar_id = ?", avatarID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload %s: %v", avatarID, err)
		}
		if stored.Format != wantFormat {
			testContext.Fatalf("%s: expected format %q, got %q", avatarID, wantFormat, stored.Format)
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationBackfillAvatarFormat).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := Migrate(db, zap.NewNop()); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected one migration record, got %d", count)
	}
}

func TestOpenValidatesConfig(testContext *testing.T) {
	if _, err := Open(Config{Driver: DriverSQLite}); err == nil {
		testContext.Fatalf("expected missing dsn to fail")
	}
	if _, err := Open(Config{Driver: "mysql", DSN: "root@/kana"}); !errors.Is(err, ErrUnsupportedDriver) {
		testContext.Fatalf("expected unsupported driver, got %v", err)
	}
}

func TestOpenSQLiteLimitsConnections(testContext *testing.T) {
	db, err := Open(Config{Driver: "sqlite3", DSN: filepath.Join(testContext.TempDir(), "kana.db"), MaxOpenConns: 8})
	if err != nil {
		testContext.Fatalf("unexpected open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("unexpected db error: %v", err)
	}
	if got := sqlDB.Stats().MaxOpenConnections; got != 1 {
		testContext.Fatalf("expected a single sqlite connection, got %d", got)
	}
	if !db.Migrator().HasTable(&history.NameRecord{}) {
		testContext.Fatalf("expected name history table")
	}
}
