package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	catalogFile = "models_cache.json"
	catalogTTL  = 12 * time.Hour
)

// ModelInfo describes one catalog entry. The JSON keys match the
// on-disk cache document.
type ModelInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	ContextLength  int    `json:"context_length,omitempty"`
	SupportsVision bool   `json:"supports_vision,omitempty"`
}

// Lister fetches the live model directory.
type Lister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// ListerFunc adapts a function to the Lister interface.
type ListerFunc func(ctx context.Context) ([]ModelInfo, error)

func (f ListerFunc) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return f(ctx)
}

type cacheDoc struct {
	Models     []ModelInfo `json:"models"`
	LastUpdate time.Time   `json:"last_update"`
}

// Catalog caches the model directory on disk for twelve hours. A
// failed refresh serves the stale entries rather than nothing; only a
// cold catalog with no cache propagates the fetch error.
type Catalog struct {
	lister Lister
	path   string
	ttl    time.Duration
	log    zerolog.Logger
	now    func() time.Time

	mu         sync.Mutex
	models     []ModelInfo
	lastUpdate time.Time
}

func NewCatalog(lister Lister, dir string, log zerolog.Logger) *Catalog {
	return &Catalog{
		lister: lister,
		path:   filepath.Join(dir, catalogFile),
		ttl:    catalogTTL,
		log:    log,
		now:    time.Now,
	}
}

// Refresh brings the catalog up to date. With force false it is a
// no-op while the cache is fresh.
func (c *Catalog) Refresh(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx, force)
}

func (c *Catalog) refreshLocked(ctx context.Context, force bool) error {
	if c.models == nil {
		c.loadCacheLocked()
	}
	if !force && c.models != nil && !c.staleLocked() {
		return nil
	}

	models, err := c.lister.ListModels(ctx)
	if err != nil {
		if c.models != nil {
			c.log.Warn().Err(err).Msg("model refresh failed, serving cached catalog")
			return nil
		}
		return fmt.Errorf("refresh models: %w", err)
	}

	c.models = models
	c.lastUpdate = c.now()
	c.saveCacheLocked()
	c.log.Info().Int("models", len(models)).Msg("model catalog refreshed")
	return nil
}

func (c *Catalog) staleLocked() bool {
	return c.lastUpdate.IsZero() || c.now().Sub(c.lastUpdate) > c.ttl
}

func (c *Catalog) loadCacheLocked() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var doc cacheDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		c.log.Warn().Err(err).Str("path", c.path).Msg("model cache unreadable, ignoring")
		return
	}
	c.models = doc.Models
	c.lastUpdate = doc.LastUpdate
	c.log.Info().Int("models", len(doc.Models)).Msg("model catalog loaded from cache")
}

func (c *Catalog) saveCacheLocked() {
	data, err := json.Marshal(cacheDoc{Models: c.models, LastUpdate: c.lastUpdate})
	if err != nil {
		c.log.Warn().Err(err).Msg("encode model cache failed")
		return
	}
	if err := os.WriteFile(c.path, data, 0o644); err != nil {
		c.log.Warn().Err(err).Str("path", c.path).Msg("write model cache failed")
	}
}

// Models returns all known model ids, refreshing first if stale.
func (c *Catalog) Models(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx, false); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(c.models))
	for _, m := range c.models {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// IsValid reports whether the id names a known model. An empty catalog
// validates nothing.
func (c *Catalog) IsValid(ctx context.Context, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx, false); err != nil {
		return false
	}
	for _, m := range c.models {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Info returns the catalog entry for a model id.
func (c *Catalog) Info(ctx context.Context, id string) (ModelInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx, false); err != nil {
		return ModelInfo{}, false
	}
	for _, m := range c.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// VisionModels returns the ids that accept image input.
func (c *Catalog) VisionModels(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx, false); err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range c.models {
		if m.SupportsVision {
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

// VisionFamilies returns the family fragments (the part after the
// provider slash) of vision-capable models, for substring matching
// against ids the catalog has never seen.
func (c *Catalog) VisionFamilies(ctx context.Context) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshLocked(ctx, false); err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var families []string
	for _, m := range c.models {
		if !m.SupportsVision {
			continue
		}
		family := m.ID
		if i := strings.Index(family, "/"); i >= 0 {
			family = family[i+1:]
		}
		if !seen[family] {
			seen[family] = true
			families = append(families, family)
		}
	}
	return families
}

// SupportsVision reports whether a model accepts images: the catalog
// entry when known, a family-fragment match otherwise.
func (c *Catalog) SupportsVision(ctx context.Context, id string) bool {
	if info, ok := c.Info(ctx, id); ok {
		return info.SupportsVision
	}
	for _, family := range c.VisionFamilies(ctx) {
		if strings.Contains(id, family) {
			return true
		}
	}
	return false
}

// LastUpdate reports when the catalog was last refreshed from the API.
func (c *Catalog) LastUpdate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUpdate
}
