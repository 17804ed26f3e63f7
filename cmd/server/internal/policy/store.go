package policy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v2"
	"gorm.io/gorm"

	"github.com/testexechq/control-plane/cmd/server/internal/models"
	"github.com/testexechq/control-plane/internal/logger"
	"github.com/testexechq/control-plane/internal/types"
)

const name string = "github.com/testexechq/control-plane/cmd/server/internal/policy"

var tracer = otel.Tracer(name)

const adminCacheTTL = 5 * time.Minute

// Reader is the read-only slice of the store that the rest of the system
// consumes. NamespacePrefix never blocks; GetAdminConfiguration may.
type Reader interface {
	NamespacePrefix() string
	GetAdminConfiguration(ctx context.Context, useCache bool) (*AdminConfiguration, error)
}

// Store owns the policy documents. The admin config cache is the only
// shared mutable state: readers tolerate a value up to adminCacheTTL old,
// writers invalidate on save.
type Store struct {
	db       *gorm.DB
	now      func() time.Time
	cached   *AdminConfiguration
	cachedAt time.Time
	mu       sync.RWMutex
}

var _ Reader = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// NewStoreWithClock is for tests that need to control cache expiry.
func NewStoreWithClock(db *gorm.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

func (s *Store) cachedAdmin() *AdminConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cached == nil || s.now().Sub(s.cachedAt) > adminCacheTTL {
		return nil
	}

	return s.cached
}

func (s *Store) storeCache(cfg *AdminConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = cfg
	s.cachedAt = s.now()
}

func (s *Store) invalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
}

// NamespacePrefix reads the prefix without touching the database so it is
// safe from any concurrent context. Falls back to the compiled-in default
// until the cache has been primed.
func (s *Store) NamespacePrefix() string {
	if cfg := s.cachedAdmin(); cfg != nil && cfg.Cluster.LobNamespacePrefix != "" {
		return cfg.Cluster.LobNamespacePrefix
	}

	return DefaultNamespacePrefix
}

// GetAdminConfiguration returns the current policy document. The most
// recently created row wins. If no row exists yet a default document is
// written so first boot self-heals.
func (s *Store) GetAdminConfiguration(
	ctx context.Context,
	useCache bool,
) (*AdminConfiguration, error) {
	ctx, span := tracer.Start(ctx, "Store.GetAdminConfiguration", trace.WithAttributes(
		attribute.Bool("useCache", useCache),
	))
	defer span.End()

	if useCache {
		if cfg := s.cachedAdmin(); cfg != nil {
			span.AddEvent("cache_hit")
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "returned cached admin configuration")
			return cfg, nil
		}
	}

	db := s.db.WithContext(ctx)

	var row models.AdminConfiguration
	err := db.Order("created_at DESC").First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read admin configuration")
			return nil, err
		}

		span.AddEvent("writing_default_admin_configuration")
		cfg := DefaultAdminConfiguration()
		if err := s.SaveAdminConfiguration(ctx, &cfg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to write default admin configuration")
			return nil, err
		}

		s.storeCache(&cfg)
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "created default admin configuration")
		return &cfg, nil
	}

	var cfg AdminConfiguration
	if err := yaml.Unmarshal([]byte(row.ConfigYAML), &cfg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode admin configuration yaml")
		return nil, err
	}

	cfg.ID = row.ID.String()
	cfg.Name = row.Name
	cfg.CreatedAt = row.CreatedAt
	cfg.UpdatedAt = row.UpdatedAt

	s.storeCache(&cfg)

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "loaded admin configuration")
	return &cfg, nil
}

func (s *Store) SaveAdminConfiguration(ctx context.Context, cfg *AdminConfiguration) error {
	ctx, span := tracer.Start(ctx, "Store.SaveAdminConfiguration")
	defer span.End()

	body, err := yaml.Marshal(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode admin configuration yaml")
		return err
	}

	row := models.AdminConfiguration{
		Name:       cfg.Name,
		ConfigYAML: string(body),
	}

	db := s.db.WithContext(ctx)

	if cfg.ID == "" {
		row.ID = uuid.New()
		if err := db.Create(&row).Error; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create admin configuration")
			return err
		}
	} else {
		id, err := uuid.Parse(cfg.ID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid admin configuration id")
			return types.InvalidRequest("id", "not a valid uuid")
		}
		row.ID = id

		if err := db.Save(&row).Error; err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to save admin configuration")
			return err
		}
	}

	cfg.ID = row.ID.String()
	s.invalidateCache()

	span.AddEvent("saved_admin_configuration")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "saved admin configuration")
	return nil
}

func (s *Store) userDocFromRow(row *models.UserConfiguration) (*UserConfiguration, error) {
	var doc UserConfiguration
	if err := yaml.Unmarshal([]byte(row.ConfigYAML), &doc); err != nil {
		return nil, err
	}

	// identity always comes from the row, never the blob
	doc.ID = row.ID.String()
	doc.LobID = row.LobID
	doc.TeamID = row.TeamID
	doc.UserID = row.UserID
	doc.CreatedAt = row.CreatedAt
	if doc.Name == "" {
		doc.Name = row.Name
	}

	return &doc, nil
}

// CreateUserConfigurationFromYAML decodes, validates against the admin
// caps and persists a user configuration owned by `claims`.
func (s *Store) CreateUserConfigurationFromYAML(
	ctx context.Context,
	claims models.Claims,
	body []byte,
) (*UserConfiguration, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateUserConfigurationFromYAML")
	defer span.End()

	var doc UserConfiguration
	if err := yaml.Unmarshal(body, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to decode user configuration yaml")
		return nil, types.InvalidRequest("body", "invalid yaml: %v", err)
	}

	if err := s.ValidateUserConfiguration(ctx, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "user configuration failed validation")
		return nil, err
	}

	row := models.UserConfiguration{
		LobID:      claims.LobID,
		TeamID:     claims.TeamID,
		UserID:     claims.UserID,
		Name:       doc.Name,
		ConfigYAML: string(body),
	}
	row.ID = uuid.New()

	db := s.db.WithContext(ctx)
	if err := db.Create(&row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create user configuration")
		return nil, err
	}

	span.AddEvent("created_user_configuration", trace.WithAttributes(
		attribute.String("id", row.ID.String()),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created user configuration")
	return s.userDocFromRow(&row)
}

func (s *Store) getUserRow(
	ctx context.Context,
	id uuid.UUID,
	claims models.Claims,
) (*models.UserConfiguration, error) {
	db := s.db.WithContext(ctx)

	var row models.UserConfiguration
	err := db.Where("id = ? AND lob_id = ?", id, claims.LobID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrConfigNotFound
		}

		return nil, err
	}

	return &row, nil
}

func (s *Store) GetUserConfiguration(
	ctx context.Context,
	id uuid.UUID,
	claims models.Claims,
) (*UserConfiguration, error) {
	ctx, span := tracer.Start(ctx, "Store.GetUserConfiguration")
	defer span.End()

	row, err := s.getUserRow(ctx, id, claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get user configuration")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got user configuration")
	return s.userDocFromRow(row)
}

func (s *Store) ListUserConfigurations(
	ctx context.Context,
	claims models.Claims,
) ([]*UserConfiguration, error) {
	ctx, span := tracer.Start(ctx, "Store.ListUserConfigurations")
	defer span.End()

	db := s.db.WithContext(ctx)

	var rows []models.UserConfiguration
	err := db.Where("lob_id = ? AND team_id = ?", claims.LobID, claims.TeamID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list user configurations")
		return nil, err
	}

	docs := make([]*UserConfiguration, 0, len(rows))
	for i := range rows {
		doc, err := s.userDocFromRow(&rows[i])
		if err != nil {
			logger.Logger.WarnContext(ctx, "skipping undecodable user configuration",
				"id", rows[i].ID, "error", err)
			continue
		}
		docs = append(docs, doc)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed user configurations")
	return docs, nil
}

func (s *Store) UpdateUserConfigurationFromYAML(
	ctx context.Context,
	id uuid.UUID,
	claims models.Claims,
	body []byte,
) (*UserConfiguration, error) {
	ctx, span := tracer.Start(ctx, "Store.UpdateUserConfigurationFromYAML")
	defer span.End()

	row, err := s.getUserRow(ctx, id, claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get user configuration for update")
		return nil, err
	}

	if row.TeamID != claims.TeamID {
		span.AddEvent("team_mismatch")
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "claims do not own configuration")
		return nil, types.ErrConfigNotFound
	}

	var doc UserConfiguration
	if err := yaml.Unmarshal(body, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "failed to decode user configuration yaml")
		return nil, types.InvalidRequest("body", "invalid yaml: %v", err)
	}

	if err := s.ValidateUserConfiguration(ctx, &doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Ok, "user configuration failed validation")
		return nil, err
	}

	row.Name = doc.Name
	row.ConfigYAML = string(body)

	db := s.db.WithContext(ctx)
	if err := db.Save(row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save user configuration")
		return nil, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "updated user configuration")
	return s.userDocFromRow(row)
}

func (s *Store) DeleteUserConfiguration(
	ctx context.Context,
	id uuid.UUID,
	claims models.Claims,
) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteUserConfiguration")
	defer span.End()

	row, err := s.getUserRow(ctx, id, claims)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get user configuration for delete")
		return err
	}

	db := s.db.WithContext(ctx)
	if err := db.Delete(row).Error; err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete user configuration")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "deleted user configuration")
	return nil
}

// ValidateUserConfiguration enforces that user limits never exceed the
// admin caps.
func (s *Store) ValidateUserConfiguration(ctx context.Context, doc *UserConfiguration) error {
	admin, err := s.GetAdminConfiguration(ctx, true)
	if err != nil {
		return err
	}

	return ValidateAgainstAdmin(doc, admin)
}

func ValidateAgainstAdmin(doc *UserConfiguration, admin *AdminConfiguration) error {
	caps := admin.ResourceManagement.DefaultContainerLimits

	if doc.Job.Limits.CPULimit != "" {
		userCPU, err := ParseCPU(doc.Job.Limits.CPULimit)
		if err != nil {
			return err
		}
		maxCPU, err := ParseCPU(caps.CPULimit)
		if err != nil {
			return err
		}
		if userCPU > maxCPU {
			return types.InvalidRequest("cpuLimit",
				"CPU limit (%s) exceeds maximum allowed (%s)",
				doc.Job.Limits.CPULimit, caps.CPULimit)
		}
	}

	if doc.Job.Limits.MemoryLimit != "" {
		userMem, err := ParseMemory(doc.Job.Limits.MemoryLimit)
		if err != nil {
			return err
		}
		maxMem, err := ParseMemory(caps.MemoryLimit)
		if err != nil {
			return err
		}
		if userMem > maxMem {
			return types.InvalidRequest("memoryLimit",
				"Memory limit (%s) exceeds maximum allowed (%s)",
				doc.Job.Limits.MemoryLimit, caps.MemoryLimit)
		}
	}

	return nil
}
