package index

import (
	"github.com/starford/flowboard/internal/cache"
	"github.com/starford/flowboard/internal/models"
)

// Mirror is everything the board needs from durable storage beyond the cache
// persistence contract.
type Mirror interface {
	cache.Persister
	SaveFilter(text string) (models.SavedFilter, error)
	RecentFilters(limit int) ([]models.SavedFilter, error)
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
	Close() error
}

// Verify *DB satisfies Mirror at compile time.
var _ Mirror = (*DB)(nil)
