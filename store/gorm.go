package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// documentRow is the single table every collection lives in.
type documentRow struct {
	Collection string    `gorm:"primaryKey;size:64"`
	Key        string    `gorm:"primaryKey;column:doc_key;size:255"`
	Data       string    `gorm:"type:jsonb;not null"`
	Version    int64     `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null"`
}

func (documentRow) TableName() string { return "documents" }

func (r documentRow) document() Document {
	return Document{
		Collection: Collection(r.Collection),
		Key:        r.Key,
		Data:       json.RawMessage(r.Data),
		Version:    r.Version,
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

// GormStore keeps documents in Postgres. It cannot push changes, so
// observers poll it.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore wraps db. The gorm config should set TranslateError so
// duplicate keys surface as gorm.ErrDuplicatedKey.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// Migrate creates the documents table.
func (g *GormStore) Migrate() error {
	if err := g.db.AutoMigrate(&documentRow{}); err != nil {
		return fmt.Errorf("store: migrate documents: %w", err)
	}
	return nil
}

func (g *GormStore) Get(ctx context.Context, c Collection, key string) (Document, error) {
	var row documentRow
	err := g.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", string(c), key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, unavailable("get", err)
	}
	return row.document(), nil
}

func (g *GormStore) Set(ctx context.Context, c Collection, key string, data json.RawMessage, mode WriteMode) error {
	return g.Batch(ctx, []Op{setOp(c, key, data, mode)})
}

// Query pushes equality filters down as jsonb text comparisons and
// re-checks them exactly in Go, since ->> loses the JSON type.
func (g *GormStore) Query(ctx context.Context, q Query) ([]Document, error) {
	tx := g.db.WithContext(ctx).Where("collection = ?", string(q.Collection))
	for _, f := range q.Filters {
		text, err := filterText(f.Value)
		if err != nil {
			return nil, err
		}
		tx = tx.Where("data ->> ? = ?", f.Field, text)
	}

	var rows []documentRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, unavailable("query", err)
	}
	docs := make([]Document, len(rows))
	for i, row := range rows {
		docs[i] = row.document()
	}
	return selectDocuments(docs, q), nil
}

// Batch locks every existing touched row, plans against them and writes
// the result in the same transaction. Updates are guarded by the version
// read under the lock; inserts rely on the primary key. Rows are locked in
// key order so concurrent batches cannot deadlock each other.
func (g *GormStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current := make(map[docID]Document)
		for _, id := range lockOrder(ops) {
			var row documentRow
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("collection = ? AND doc_key = ?", string(id.c), id.key).
				Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return unavailable("lock", err)
			}
			current[id] = row.document()
		}

		changes, err := plan(ops, current, g.now().UTC())
		if err != nil {
			return err
		}
		for _, ch := range changes {
			if err := applyChange(tx, ops, ch); err != nil {
				return err
			}
		}
		return nil
	})
	if isRetryableTx(err) {
		return fmt.Errorf("%w: postgres commit: %v", ErrVersionConflict, err)
	}
	return err
}

// lockOrder returns the touched documents sorted by collection and key.
func lockOrder(ops []Op) []docID {
	ids := touchedIDs(ops)
	slices.SortFunc(ids, func(a, b docID) int {
		if c := cmp.Compare(a.c, b.c); c != 0 {
			return c
		}
		return cmp.Compare(a.key, b.key)
	})
	return ids
}

// isRetryableTx reports deadlocks and serialization failures. Postgres
// rolled the transaction back, so replanning is safe.
func isRetryableTx(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40P01" || pgErr.Code == "40001"
}

func applyChange(tx *gorm.DB, ops []Op, ch change) error {
	where := tx.Model(&documentRow{}).Where("collection = ? AND doc_key = ?", string(ch.id.c), ch.id.key)

	switch {
	case ch.deleted:
		if err := where.Delete(&documentRow{}).Error; err != nil {
			return unavailable("delete", err)
		}
		return nil

	case ch.existed:
		res := where.Where("version = ?", ch.prevVersion).Updates(map[string]any{
			"data":       string(ch.doc.Data),
			"version":    ch.doc.Version,
			"updated_at": ch.doc.UpdatedAt,
		})
		if res.Error != nil {
			return unavailable("update", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	row := documentRow{
		Collection: string(ch.id.c),
		Key:        ch.id.key,
		Data:       string(ch.doc.Data),
		Version:    ch.doc.Version,
		UpdatedAt:  ch.doc.UpdatedAt,
	}
	err := tx.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Someone inserted the row after we found it missing.
		if ch.createdBy >= 0 {
			return &BatchError{Index: ch.createdBy, Op: ops[ch.createdBy], Err: ErrExists}
		}
		return ErrVersionConflict
	}
	if err != nil {
		return unavailable("insert", err)
	}
	return nil
}

// Subscribe is not supported; use Observe to get a polling subscription.
func (g *GormStore) Subscribe(context.Context, Watch) (Subscription, error) {
	return nil, ErrSubscriptionUnavailable
}

func filterText(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: filter value %v: %w", v, err)
	}
	return unquote(raw), nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isRetryableTx(err) {
		return fmt.Errorf("%w: postgres %s: %v", ErrVersionConflict, op, err)
	}
	return fmt.Errorf("%w: postgres %s: %v", ErrUnavailable, op, err)
}
