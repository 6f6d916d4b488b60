package moduleservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ssuji15/jobrunner/internal/cache"
	"github.com/ssuji15/jobrunner/internal/clients/catalog"
	"github.com/ssuji15/jobrunner/internal/clients/jsonrpc"
	"github.com/ssuji15/jobrunner/internal/job_tracer"
	"github.com/ssuji15/jobrunner/internal/service/logger"
	"github.com/ssuji15/jobrunner/internal/util"
	"github.com/ssuji15/jobrunner/model"
	"go.opentelemetry.io/otel/attribute"
)

// ModuleService resolves modules through the catalog and remembers the
// answer for the rest of the run.
//
// Entries are keyed by module name only. A later launch of the same module
// with a different version gets the first resolved record back, marked as
// cached. Callers are expected to log that.
//
// Secure config params never reach the store, which may be shared with other
// runs. They are kept in memory for this run only.
type ModuleService struct {
	catalog  catalog.Catalog
	store    cache.Cache
	scope    string
	hasAdmin bool

	mu       sync.Mutex
	launched map[string]struct{}
	secure   map[string][]model.SecureConfigParam
}

// NewModuleService builds a cache scoped to one run. The catalog client must
// carry an admin token when adminToken is non-empty.
func NewModuleService(cat catalog.Catalog, store cache.Cache, scope, adminToken string) *ModuleService {
	return &ModuleService{
		catalog:  cat,
		store:    store,
		scope:    scope,
		hasAdmin: adminToken != "",
		launched: make(map[string]struct{}),
		secure:   make(map[string][]model.SecureConfigParam),
	}
}

// Check validates a module before a job is admitted. It fills the cache but
// does not count as a use of the module.
func (s *ModuleService) Check(ctx context.Context, module, version string) error {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "ModuleCache/Check")
	defer span.End()
	span.SetAttributes(attribute.String("module", module), attribute.String("version", version))

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(ctx, module, version); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// Resolve returns the module record for a launch. Cached is set when the
// module was already launched once in this run.
func (s *ModuleService) Resolve(ctx context.Context, module, version string) (*model.ModuleInfo, error) {
	tracer := job_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "ModuleCache/Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("module", module), attribute.String("version", version))

	s.mu.Lock()
	defer s.mu.Unlock()
	mi, err := s.lookup(ctx, module, version)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	_, mi.Cached = s.launched[module]
	s.launched[module] = struct{}{}
	span.SetAttributes(attribute.Bool("cached", mi.Cached))
	return mi, nil
}

// lookup must be called with mu held.
func (s *ModuleService) lookup(ctx context.Context, module, version string) (*model.ModuleInfo, error) {
	if module == "" {
		return nil, fmt.Errorf("module name is empty: %w", model.ErrValidation)
	}

	key := util.GetModuleKey(s.scope, module)
	var mi model.ModuleInfo
	if err := s.store.Get(ctx, key, &mi); err != nil {
		fetched, err := s.catalog.GetModuleVersion(ctx, module, version)
		if err != nil {
			return nil, classify(err, fmt.Sprintf("unable to resolve module %s version %q", module, version))
		}
		mi = *fetched
		mi.SecureConfigParams = nil
		if err := s.store.Put(ctx, key, mi, s.store.GetDefaultTTL()); err != nil {
			logger.Log.Warn().Err(err).Str("module", module).Msg("unable to cache module info")
		}
	}

	sp, err := s.secureParams(ctx, module, version)
	if err != nil {
		return nil, err
	}
	mi.SecureConfigParams = sp
	mi.Cached = false
	return &mi, nil
}

// secureParams must be called with mu held.
func (s *ModuleService) secureParams(ctx context.Context, module, version string) ([]model.SecureConfigParam, error) {
	if !s.hasAdmin {
		return []model.SecureConfigParam{}, nil
	}
	if sp, ok := s.secure[module]; ok {
		return append([]model.SecureConfigParam{}, sp...), nil
	}
	sp, err := s.catalog.GetSecureConfigParams(ctx, module, version)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("unable to load secure params for %s", module))
	}
	if sp == nil {
		sp = []model.SecureConfigParam{}
	}
	s.secure[module] = sp
	return append([]model.SecureConfigParam{}, sp...), nil
}

// VolumeMounts lists catalog-registered mounts for a method. They are only
// visible with an admin token and are never cached.
func (s *ModuleService) VolumeMounts(ctx context.Context, module, method, clientGroup string) ([]model.Mount, error) {
	if !s.hasAdmin {
		return []model.Mount{}, nil
	}
	mounts, err := s.catalog.ListVolumeMounts(ctx, module, method, clientGroup)
	if err != nil {
		return nil, classify(err, fmt.Sprintf("unable to list volume mounts for %s.%s", module, method))
	}
	if mounts == nil {
		mounts = []model.Mount{}
	}
	return mounts, nil
}

// classify maps catalog errors onto the runner's error kinds. Errors reported
// by the catalog itself mean the module or version does not exist.
func classify(err error, msg string) error {
	var se *jsonrpc.ServerError
	switch {
	case errors.Is(err, model.ErrTransient):
		return fmt.Errorf("%s: %w", msg, err)
	case errors.As(err, &se):
		return fmt.Errorf("%s: %s: %w", msg, se.Message, model.ErrValidation)
	default:
		return fmt.Errorf("%s: %v: %w", msg, err, model.ErrValidation)
	}
}
