package database

import (
	"context"
	"fmt"

	"acs/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the CRUD surface served over the entity request channel.
// Rows are addressed by their numeric id or by their natural key
// (device key, correlation id).
type Repository[T any] interface {
	List(ctx context.Context, page models.Page) ([]*T, error)
	Get(ctx context.Context, id int64) (*T, error)
	GetByKey(ctx context.Context, key string) (*T, error)
	Create(ctx context.Context, entity *T) (*T, error)
	Update(ctx context.Context, id int64, entity *T) (*T, error)
	UpdateByKey(ctx context.Context, key string, updates map[string]any) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// GormRepository implements Repository using Gorm.
type GormRepository[T any] struct {
	db        *gorm.DB
	keyColumn string
	immutable []string // columns Update never writes
}

// NewGormRepository returns a repository whose natural key lives in keyColumn.
// The key column is always immutable.
func NewGormRepository[T any](db *gorm.DB, keyColumn string, immutable ...string) *GormRepository[T] {
	return &GormRepository[T]{
		db:        db,
		keyColumn: keyColumn,
		immutable: append([]string{"id", "created_at", keyColumn}, immutable...),
	}
}

func (repository *GormRepository[T]) byKey(key string) clause.Expression {
	return clause.Eq{Column: clause.Column{Name: repository.keyColumn}, Value: key}
}

func (repository *GormRepository[T]) List(ctx context.Context, page models.Page) ([]*T, error) {
	var entities []*T
	query := repository.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}})
	if page.Limit > 0 {
		query = query.Limit(page.Limit).Offset(page.Offset)
	}
	if err := query.Find(&entities).Error; err != nil {
		return nil, err
	}
	return entities, nil
}

func (repository *GormRepository[T]) Get(ctx context.Context, id int64) (*T, error) {
	var entity T
	if err := repository.db.WithContext(ctx).First(&entity, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &entity, nil
}

func (repository *GormRepository[T]) GetByKey(ctx context.Context, key string) (*T, error) {
	var entity T
	if err := repository.db.WithContext(ctx).Clauses(repository.byKey(key)).First(&entity).Error; err != nil {
		return nil, notFound(err)
	}
	return &entity, nil
}

func (repository *GormRepository[T]) Create(ctx context.Context, entity *T) (*T, error) {
	if err := repository.db.WithContext(ctx).Create(entity).Error; err != nil {
		return nil, err
	}
	return entity, nil
}

// Update writes the non-zero fields of entity, leaving the immutable columns
// alone, and returns the stored row.
func (repository *GormRepository[T]) Update(ctx context.Context, id int64, entity *T) (*T, error) {
	var existing T
	err := repository.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&existing, id).Error; err != nil {
			return notFound(err)
		}
		if err := tx.Model(&existing).Omit(repository.immutable...).Updates(entity).Error; err != nil {
			return err
		}
		return tx.First(&existing, id).Error
	})
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// UpdateByKey applies column updates to the row with the natural key and
// returns the number of rows changed.
func (repository *GormRepository[T]) UpdateByKey(ctx context.Context, key string, updates map[string]any) (int64, error) {
	for _, column := range repository.immutable {
		if _, ok := updates[column]; ok {
			return 0, fmt.Errorf("column %s cannot be updated", column)
		}
	}
	var entity T
	result := repository.db.WithContext(ctx).Model(&entity).Clauses(repository.byKey(key)).Updates(updates)
	return result.RowsAffected, result.Error
}

func (repository *GormRepository[T]) Delete(ctx context.Context, id int64) error {
	var entity T
	result := repository.db.WithContext(ctx).Delete(&entity, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
