package database

import (
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"
)

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.DatabasePath != "./data/marketrelay.db" {
		t.Errorf("Expected DatabasePath './data/marketrelay.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", config.ConnMaxLifetime)
	}
	if config.ConnMaxIdleTime != time.Minute*10 {
		t.Errorf("Expected ConnMaxIdleTime 10 minutes, got %v", config.ConnMaxIdleTime)
	}
}

func TestConfig_Validation(t *testing.T) {
	valid := func() *Config { return DefaultConfig() }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"empty database path", func(c *Config) { c.DatabasePath = "" }, true},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }, true},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }, true},
		{"negative idle time", func(c *Config) { c.ConnMaxIdleTime = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func openTestDB(t *testing.T) *Config {
	t.Helper()
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	return config
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	if _, err := Open(&Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestMigrations_ApplyEmbedded(t *testing.T) {
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	mm := NewMigrationManager(db)
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	// Applying twice is a no-op.
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("second ApplyMigrations failed: %v", err)
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(versions) != 1 || versions[0] != "001" {
		t.Errorf("Expected [001], got %v", versions)
	}

	if err := mm.ValidateSchema(); err != nil {
		t.Errorf("ValidateSchema failed: %v", err)
	}

	v := NewSchemaValidator(db)
	if err := v.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure failed: %v", err)
	}
	if err := v.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints failed: %v", err)
	}
}

func TestMigrations_OrderedByVersion(t *testing.T) {
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	// 002 depends on 001; loading must sort by version, not by map order.
	source := fstest.MapFS{
		"002_add_index.sql": {Data: []byte("CREATE INDEX idx_things_name ON things(name);")},
		"001_things.sql":    {Data: []byte("CREATE TABLE things (name TEXT);")},
		"README.md":         {Data: []byte("ignored")},
	}
	mm := NewMigrationManagerFS(db, source)
	if err := mm.ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(versions) != 2 || versions[0] != "001" || versions[1] != "002" {
		t.Errorf("Expected [001 002], got %v", versions)
	}
}

func TestMigrations_FailedMigrationIsNotRecorded(t *testing.T) {
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	mm := NewMigrationManagerFS(db, fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE oops (")},
	})
	if err := mm.ApplyMigrations(); err == nil {
		t.Fatal("expected broken migration to fail")
	}

	versions, err := mm.AppliedVersions()
	if err != nil {
		t.Fatalf("AppliedVersions failed: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("broken migration must not be recorded, got %v", versions)
	}
}

func TestSchemaValidator_MissingTables(t *testing.T) {
	db, err := Open(openTestDB(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	v := NewSchemaValidator(db)
	if err := v.ValidateTablesExist(); err == nil {
		t.Error("expected missing tables on an empty database")
	}
	if err := v.ValidateIndexes(); err == nil {
		t.Error("expected missing indexes on an empty database")
	}
}
