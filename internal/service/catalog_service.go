// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/contextify/contextify/internal/domain/catalog"
	"github.com/contextify/contextify/internal/domain/policy"
	"github.com/contextify/contextify/internal/port/outbound"
)

// Catalog rebuild cadence defaults. The minimum interval throttles
// EnsureFresh on hot request paths; the refresh interval bounds snapshot
// staleness; the watch interval is how often the source change tokens are
// polled.
const (
	defaultMinReloadInterval = 500 * time.Millisecond
	defaultRefreshInterval   = 30 * time.Second
	defaultWatchInterval     = 2 * time.Second
)

// GuardValidator pre-compiles argument guard expressions so bad guards
// surface at build time instead of on the first call that trips them. The
// CEL evaluator implements it.
type GuardValidator interface {
	ValidateExpression(expr string) error
}

// CatalogService owns the published tool catalog: it builds snapshots from
// the policy and endpoint sources and swaps them behind an atomic pointer.
// Reads are lock-free; rebuilds are single-flight and throttled. A build
// failure keeps the last known good snapshot.
type CatalogService struct {
	policySource   outbound.PolicySource
	endpointSource outbound.EndpointSource
	builder        *catalog.Builder
	guardValidator GuardValidator

	snapshot atomic.Value // stores *catalog.Snapshot
	mu       sync.Mutex   // serializes rebuilds
	inFlight atomic.Bool  // single-flight flag for EnsureFresh

	minReloadInterval time.Duration
	refreshInterval   time.Duration
	watchInterval     time.Duration

	// Guarded by mu.
	lastBuild           time.Time
	lastPolicyVersion   string
	lastEndpointVersion string

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
}

// CatalogOption configures CatalogService.
type CatalogOption func(*CatalogService)

// WithMinReloadInterval sets the floor between consecutive rebuilds.
func WithMinReloadInterval(d time.Duration) CatalogOption {
	return func(s *CatalogService) {
		if d > 0 {
			s.minReloadInterval = d
		}
	}
}

// WithRefreshInterval sets the snapshot staleness bound used by EnsureFresh.
func WithRefreshInterval(d time.Duration) CatalogOption {
	return func(s *CatalogService) {
		if d > 0 {
			s.refreshInterval = d
		}
	}
}

// WithWatchInterval sets how often the source change tokens are polled by
// the watch goroutine.
func WithWatchInterval(d time.Duration) CatalogOption {
	return func(s *CatalogService) {
		if d > 0 {
			s.watchInterval = d
		}
	}
}

// WithGuardValidator compiles argument guard expressions during each
// rebuild. Invalid guards are logged as warnings; the entry stays in the
// catalog and the guard action handles the evaluation failure at call time.
func WithGuardValidator(v GuardValidator) CatalogOption {
	return func(s *CatalogService) {
		s.guardValidator = v
	}
}

// NewCatalogService builds the initial snapshot and returns the service.
// When the very first build finds an invalid policy document, the service
// starts anyway on an empty permissive document so a bad edit cannot keep
// the whole server down; the error is logged loudly.
func NewCatalogService(ctx context.Context, policySource outbound.PolicySource, endpointSource outbound.EndpointSource, logger *slog.Logger, opts ...CatalogOption) (*CatalogService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &CatalogService{
		policySource:      policySource,
		endpointSource:    endpointSource,
		builder:           catalog.NewBuilder(logger),
		minReloadInterval: defaultMinReloadInterval,
		refreshInterval:   defaultRefreshInterval,
		watchInterval:     defaultWatchInterval,
		stopChan:          make(chan struct{}),
		logger:            logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	err := s.rebuildLocked(ctx, true)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	snap := s.Snapshot()
	logger.Info("catalog service initialized",
		"tools", snap.Len(),
		"policy_source_version", snap.PolicySourceVersion(),
		"checksum", snap.Checksum(),
	)
	return s, nil
}

// Snapshot returns the current catalog snapshot atomically (lock-free).
func (s *CatalogService) Snapshot() *catalog.Snapshot {
	return s.snapshot.Load().(*catalog.Snapshot)
}

// EnsureFresh rebuilds the snapshot when it is older than the refresh
// interval. Concurrent callers coalesce: whoever loses the flag race simply
// serves the current snapshot. Errors keep the last known good snapshot and
// are logged, not returned; request paths never fail on reload trouble.
func (s *CatalogService) EnsureFresh(ctx context.Context) {
	snap := s.Snapshot()
	if time.Since(snap.CreatedUTC()) < s.refreshInterval {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastBuild) < s.minReloadInterval {
		return
	}
	if err := s.rebuildLocked(ctx, false); err != nil {
		s.logger.Error("catalog refresh failed, serving last known good snapshot", "error", err)
	}
}

// Reload forces a rebuild, subject to the minimum reload interval. Used by
// the watch goroutine and the SIGHUP handler.
func (s *CatalogService) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastBuild) < s.minReloadInterval {
		return nil
	}
	return s.rebuildLocked(ctx, false)
}

// rebuildLocked loads both sources, parses, builds, and publishes a new
// snapshot. Must be called with mu held. When initial is true a policy
// document error degrades to an empty permissive document instead of
// failing, per the boot contract.
func (s *CatalogService) rebuildLocked(ctx context.Context, initial bool) error {
	raw, policyVersion, err := s.policySource.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading policy document: %w", err)
	}

	doc, warnings, err := policy.ParseDocument(raw)
	for _, w := range warnings {
		s.logger.Warn("policy document warning", "warning", w)
	}
	if err != nil {
		if !initial {
			return fmt.Errorf("parsing policy document: %w", err)
		}
		s.logger.Error("policy document invalid at startup, continuing with an empty permissive document",
			"error", err)
		doc = &policy.Document{SchemaVersion: 1}
	}
	doc.SourceVersion = policyVersion

	s.validateGuards(doc)

	endpoints, endpointVersion, err := s.endpointSource.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading endpoint descriptors: %w", err)
	}

	snap, err := s.builder.Build(doc, endpoints)
	if err != nil {
		return fmt.Errorf("building catalog snapshot: %w", err)
	}

	s.snapshot.Store(snap)
	s.lastBuild = time.Now()
	s.lastPolicyVersion = policyVersion
	s.lastEndpointVersion = endpointVersion

	s.logger.Info("catalog snapshot published",
		"tools", snap.Len(),
		"policy_source_version", policyVersion,
		"checksum", snap.Checksum(),
	)
	return nil
}

// validateGuards compiles every argument guard in the document, warming the
// evaluator's program cache and logging guards that will not evaluate.
func (s *CatalogService) validateGuards(doc *policy.Document) {
	if s.guardValidator == nil {
		return
	}
	for i := range doc.Allow {
		for _, expr := range doc.Allow[i].ArgumentGuards {
			if err := s.guardValidator.ValidateExpression(expr); err != nil {
				s.logger.Warn("argument guard does not compile",
					"entry", i,
					"error", err,
				)
			}
		}
	}
}

// StartWatching launches the source watch goroutine: it polls the change
// tokens and reloads when either source moved. Stops when ctx is cancelled
// or Stop is called.
func (s *CatalogService) StartWatching(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.checkSources(ctx)
			}
		}
	}()
}

// checkSources compares the current source tokens against the ones the
// published snapshot was built from.
func (s *CatalogService) checkSources(ctx context.Context) {
	policyVersion, err := s.policySource.Version(ctx)
	if err != nil {
		s.logger.Warn("policy source version check failed", "error", err)
		return
	}
	endpointVersion, err := s.endpointSource.Version(ctx)
	if err != nil {
		s.logger.Warn("endpoint source version check failed", "error", err)
		return
	}

	s.mu.Lock()
	changed := policyVersion != s.lastPolicyVersion || endpointVersion != s.lastEndpointVersion
	s.mu.Unlock()
	if !changed {
		return
	}

	s.logger.Info("catalog source change detected",
		"policy_version", policyVersion,
		"endpoint_version", endpointVersion,
	)
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("catalog reload after source change failed", "error", err)
	}
}

// Stop terminates the watch goroutine and waits for it to exit. Safe to
// call multiple times.
func (s *CatalogService) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
