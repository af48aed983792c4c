package service

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"
)

const vocabularyCache = "vocabulary"

// VocabularyResolver compiles the keyword set of each organization: the
// base set with the organization's stored overrides on top. Compiled
// vocabularies are cached, and concurrent misses for one organization share
// a single store query.
type VocabularyResolver struct {
	store   port.VocabularyStore
	base    domain.VocabularySet
	cache   port.Cache[*workflow.Vocabulary]
	group   singleflight.Group
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewVocabularyResolver creates a resolver. store may be nil, in which case
// every organization uses base.
func NewVocabularyResolver(store port.VocabularyStore, base domain.VocabularySet, cache port.Cache[*workflow.Vocabulary], metrics *observability.Metrics, logger *zap.Logger) *VocabularyResolver {
	return &VocabularyResolver{
		store:   store,
		base:    base,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
	}
}

// Resolve returns the compiled vocabulary of organizationID. It never fails:
// a store error or a broken override falls back to the base set, which is
// not cached so the next turn tries again.
func (r *VocabularyResolver) Resolve(ctx context.Context, organizationID string) *workflow.Vocabulary {
	if v, ok := r.cache.Get(organizationID); ok {
		r.metrics.IncrCacheHit(vocabularyCache)
		return v
	}
	r.metrics.IncrCacheMiss(vocabularyCache)

	v, err, _ := r.group.Do(organizationID, func() (any, error) {
		set, err := r.overrides(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		compiled, err := workflow.CompileVocabulary(r.base.Merge(set))
		if err != nil {
			return nil, err
		}
		r.cache.Set(organizationID, compiled)
		return compiled, nil
	})
	if err != nil {
		r.logger.Warn("vocabulary override unavailable, using defaults",
			zap.String("organization_id", organizationID),
			zap.Error(err),
		)
		return r.fallback()
	}
	return v.(*workflow.Vocabulary)
}

func (r *VocabularyResolver) overrides(ctx context.Context, organizationID string) (*domain.VocabularySet, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.GetVocabulary(ctx, organizationID)
}

func (r *VocabularyResolver) fallback() *workflow.Vocabulary {
	v, err := workflow.CompileVocabulary(r.base)
	if err != nil {
		return workflow.DefaultVocabulary()
	}
	return v
}

// Overrides returns what is stored for organizationID.
func (r *VocabularyResolver) Overrides(ctx context.Context, organizationID string) (*domain.VocabularySet, error) {
	if r.store == nil {
		return &domain.VocabularySet{}, nil
	}
	return r.store.GetVocabulary(ctx, organizationID)
}

// Replace validates and stores new overrides for organizationID. A pattern
// that does not compile is rejected before anything is written.
func (r *VocabularyResolver) Replace(ctx context.Context, organizationID string, set domain.VocabularySet) error {
	ctx, span := tracer.Start(ctx, "VocabularyResolver.Replace")
	defer span.End()

	if organizationID == "" {
		return &domain.ErrValidation{Field: "organization_id", Message: "required"}
	}
	if r.store == nil {
		return &domain.ErrUnsupported{Operation: "vocabulary overrides without a database"}
	}
	if _, err := workflow.CompileVocabulary(r.base.Merge(&set)); err != nil {
		return &domain.ErrValidation{Field: "document_patterns", Message: err.Error()}
	}
	if err := r.store.ReplaceVocabulary(ctx, organizationID, set); err != nil {
		return err
	}
	r.Invalidate(organizationID)
	r.logger.Info("vocabulary overrides replaced", zap.String("organization_id", organizationID))
	return nil
}

// Invalidate drops the cached vocabulary of organizationID.
func (r *VocabularyResolver) Invalidate(organizationID string) {
	r.cache.Delete(organizationID)
}
