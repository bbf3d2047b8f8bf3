package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultCollection names the collection used when none is configured.
const DefaultCollection = "default"

var errMissingDatabase = errors.New("database handle is required")

// collectionRecord stores the serialized state document of one document collection.
type collectionRecord struct {
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

func (collectionRecord) TableName() string {
	return "annotation_collections"
}

// SnapshotPersister keeps the annotation state document in a SQLite row keyed by collection.
// It satisfies annotations.Persister.
type SnapshotPersister struct {
	db         *gorm.DB
	collection string
	clock      func() time.Time
}

// SnapshotPersisterConfig describes a SnapshotPersister.
type SnapshotPersisterConfig struct {
	Database   *gorm.DB
	Collection string
	Clock      func() time.Time
}

// NewSnapshotPersister validates cfg and returns a persister for one collection.
func NewSnapshotPersister(cfg SnapshotPersisterConfig) (*SnapshotPersister, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = DefaultCollection
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SnapshotPersister{db: cfg.Database, collection: collection, clock: clock}, nil
}

// Collection returns the collection key.
func (p *SnapshotPersister) Collection() string {
	return p.collection
}

// Load returns the stored document, or nil when the collection has never been saved.
func (p *SnapshotPersister) Load(ctx context.Context) ([]byte, error) {
	var record collectionRecord
	err := p.db.WithContext(ctx).Where("collection = ?", p.collection).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load collection %q: %w", p.collection, err)
	}
	return []byte(record.PayloadJSON), nil
}

// Save upserts the document for the collection.
func (p *SnapshotPersister) Save(ctx context.Context, data []byte) error {
	record := collectionRecord{
		Collection:       p.collection,
		PayloadJSON:      string(data),
		UpdatedAtSeconds: p.clock().UTC().Unix(),
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("save collection %q: %w", p.collection, err)
	}
	return nil
}

// Collections lists every stored collection key.
func Collections(ctx context.Context, db *gorm.DB) ([]string, error) {
	var names []string
	if err := db.WithContext(ctx).Model(&collectionRecord{}).Order("collection").Pluck("collection", &names).Error; err != nil {
		return nil, err
	}
	return names, nil
}
