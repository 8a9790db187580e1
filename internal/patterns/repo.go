package patterns

import (
	"context"

	"github.com/miradorstack/mirador-health/internal/models"
)

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, scope string, patterns []models.AnomalyPattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, scope string, patterns []models.AnomalyPattern) error {
	return f(ctx, scope, patterns)
}
