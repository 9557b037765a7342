package localdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingPath = errors.New("localdata: database path is required")

// record is one cached value, namespaced per user address so that switching
// wallets never leaks another identity's room or contact list.
type record struct {
	Namespace string    `gorm:"column:namespace;primaryKey;size:190;not null"`
	Key       string    `gorm:"column:cache_key;primaryKey;size:190;not null"`
	ValueJSON string    `gorm:"column:value_json;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing the local cache.
func (record) TableName() string {
	return "local_cache"
}

// Cache is the engine's local persistence port: a small namespaced
// key/value store independent of the shared replicated store.
type Cache struct {
	db *gorm.DB
}

// Open establishes the SQLite-backed cache and migrates its schema.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if path == "" {
		return nil, errMissingPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("local cache initialized", zap.String("path", path))
	}

	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get decodes the cached value for (namespace, key) into out. It reports
// false without error when the key has never been set.
func (c *Cache) Get(namespace, key string, out any) (bool, error) {
	var stored record
	err := c.db.
		Where("namespace = ? AND cache_key = ?", namespace, key).
		First(&stored).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("localdata: get %s/%s: %w", namespace, key, err)
	}
	if err := json.Unmarshal([]byte(stored.ValueJSON), out); err != nil {
		return false, fmt.Errorf("localdata: decode %s/%s: %w", namespace, key, err)
	}
	return true, nil
}

// Set stores value under (namespace, key), replacing any previous value.
func (c *Cache) Set(namespace, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("localdata: encode %s/%s: %w", namespace, key, err)
	}
	stored := record{
		Namespace: namespace,
		Key:       key,
		ValueJSON: string(encoded),
	}
	if err := c.db.Save(&stored).Error; err != nil {
		return fmt.Errorf("localdata: set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes the cached value for (namespace, key). Missing keys are
// not an error.
func (c *Cache) Delete(namespace, key string) error {
	err := c.db.
		Where("namespace = ? AND cache_key = ?", namespace, key).
		Delete(&record{}).
		Error
	if err != nil {
		return fmt.Errorf("localdata: delete %s/%s: %w", namespace, key, err)
	}
	return nil
}
