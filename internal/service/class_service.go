package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nextstep-learning/tutoring-api/internal/models"
	appErrors "github.com/nextstep-learning/tutoring-api/pkg/errors"
)

type classRepository interface {
	FindByID(ctx context.Context, id string) (*models.Class, error)
	FindActiveBySubject(ctx context.Context, subject string, yearLevel int) (*models.Class, error)
	List(ctx context.Context, filter models.ClassFilter) ([]models.Class, int, error)
	Create(ctx context.Context, class *models.Class) error
	Update(ctx context.Context, class *models.Class) error
	Archive(ctx context.Context, id string) error
}

type classCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// ClassListResult pairs the page of classes with pagination metadata.
type ClassListResult struct {
	Classes    []models.Class    `json:"classes"`
	Pagination models.Pagination `json:"pagination"`
}

// ClassCreateRequest carries admin input for a new class offering.
type ClassCreateRequest struct {
	Name        string  `json:"name" validate:"required"`
	YearLevel   int     `json:"year_level" validate:"required,min=1,max=12"`
	Subject     string  `json:"subject" validate:"required"`
	Description string  `json:"description"`
	Price       float64 `json:"price" validate:"required,gt=0"`
	Capacity    int     `json:"capacity" validate:"omitempty,min=1"`
}

// ClassUpdateRequest carries admin-editable class fields.
type ClassUpdateRequest struct {
	Name        string             `json:"name" validate:"required"`
	Description string             `json:"description"`
	Price       float64            `json:"price" validate:"required,gt=0"`
	Capacity    int                `json:"capacity" validate:"omitempty,min=1"`
	Status      models.ClassStatus `json:"status" validate:"omitempty,oneof=active archived"`
}

// ClassService manages the class catalogue with a Redis read-through cache.
type ClassService struct {
	repo      classRepository
	cache     classCache
	validator *validator.Validate
	logger    *zap.Logger
	cacheTTL  time.Duration
}

// NewClassService constructs a ClassService.
func NewClassService(repo classRepository, cache classCache, validate *validator.Validate, logger *zap.Logger, cacheTTL time.Duration) *ClassService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &ClassService{repo: repo, cache: cache, validator: validate, logger: logger, cacheTTL: cacheTTL}
}

func classListCacheKey(filter models.ClassFilter) string {
	return fmt.Sprintf("classes:list:%s:%d:%s:%s:%d:%d:%s:%s",
		filter.Subject, filter.YearLevel, filter.Status, filter.Search,
		filter.Page, filter.PageSize, filter.SortBy, filter.SortOrder)
}

// List returns classes for the filter, serving from cache when possible.
func (s *ClassService) List(ctx context.Context, filter models.ClassFilter) (*ClassListResult, error) {
	key := classListCacheKey(filter)
	if s.cache != nil {
		var cached ClassListResult
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("class list cache read failed", zap.Error(err))
		}
	}

	classes, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list classes")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	result := &ClassListResult{
		Classes:    classes,
		Pagination: models.Pagination{Page: page, PageSize: size, TotalCount: total},
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, result, s.cacheTTL); err != nil {
			s.logger.Warn("class list cache write failed", zap.Error(err))
		}
	}
	return result, nil
}

// Get returns a single class by id.
func (s *ClassService) Get(ctx context.Context, id string) (*models.Class, error) {
	class, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load class")
	}
	return class, nil
}

// Create registers a new class offering and invalidates cached listings.
func (s *ClassService) Create(ctx context.Context, req ClassCreateRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class payload")
	}

	class := &models.Class{
		Name:        req.Name,
		YearLevel:   req.YearLevel,
		Subject:     req.Subject,
		Description: req.Description,
		Price:       req.Price,
		Capacity:    req.Capacity,
		Status:      models.ClassStatusActive,
	}
	if err := s.repo.Create(ctx, class); err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create class")
	}

	s.invalidateListings(ctx)
	return class, nil
}

// Update applies admin changes to a class and invalidates cached listings.
func (s *ClassService) Update(ctx context.Context, id string, req ClassUpdateRequest) (*models.Class, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid class payload")
	}

	class, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	class.Name = req.Name
	class.Description = req.Description
	class.Price = req.Price
	if req.Capacity > 0 {
		class.Capacity = req.Capacity
	}
	if req.Status != "" {
		class.Status = req.Status
	}

	if err := s.repo.Update(ctx, class); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update class")
	}

	s.invalidateListings(ctx)
	return class, nil
}

// Archive retires a class offering and invalidates cached listings.
func (s *ClassService) Archive(ctx context.Context, id string) error {
	if err := s.repo.Archive(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "class not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to archive class")
	}
	s.invalidateListings(ctx)
	return nil
}

func (s *ClassService) invalidateListings(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "classes:list:*"); err != nil {
		s.logger.Warn("class list cache invalidation failed", zap.Error(err))
	}
}
