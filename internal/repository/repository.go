// Package repository defines domain models and data access interfaces for
// tenant records.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Tenant represents a tenant in the system. API keys are stored hashed;
// lookups go through the hash.
type Tenant struct {
	ID         uuid.UUID
	Name       string
	APIKeyHash string
	Config     TenantConfig
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TenantConfig holds tenant-specific retrieval overrides.
type TenantConfig struct {
	DefaultStrategy string  `json:"default_strategy,omitempty"`
	TopK            int     `json:"top_k,omitempty"`
	MinScore        float32 `json:"min_score,omitempty"`
	RerankerEnabled bool    `json:"reranker_enabled,omitempty"`
}

// TenantRepository defines operations for tenant persistence
type TenantRepository interface {
	Create(ctx context.Context, tenant *Tenant) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*Tenant, error)
	List(ctx context.Context, limit, offset int) ([]*Tenant, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
