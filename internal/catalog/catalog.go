// Package catalog holds the embedded static model table: canonical IDs,
// aliases, pricing, modality, and declared feature support. The table is
// generated at build time and embedded, so lookups never touch the
// network.
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"localrouter/internal/api"
)

//go:embed data/models.json
var modelData []byte

// Catalog resolves model IDs and aliases to records and computes costs.
// It is immutable after construction and safe for concurrent use.
type Catalog struct {
	models  []Model
	byID    map[string]*Model
	byAlias map[string]*Model
}

// New parses the embedded model table. It panics only on a corrupt
// embed, which is a build defect, not a runtime condition.
func New() *Catalog {
	c, err := newFromJSON(modelData)
	if err != nil {
		panic(fmt.Sprintf("embedded model catalog is corrupt: %v", err))
	}
	return c
}

func newFromJSON(data []byte) (*Catalog, error) {
	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, err
	}

	c := &Catalog{
		models:  models,
		byID:    make(map[string]*Model, len(models)),
		byAlias: make(map[string]*Model),
	}
	for i := range c.models {
		m := &c.models[i]
		if _, exists := c.byID[m.ID]; exists {
			return nil, fmt.Errorf("duplicate model id %q", m.ID)
		}
		c.byID[m.ID] = m
		for _, alias := range m.Aliases {
			if _, exists := c.byAlias[alias]; exists {
				return nil, fmt.Errorf("duplicate alias %q", alias)
			}
			c.byAlias[alias] = m
		}
	}
	return c, nil
}

// Lookup resolves a canonical ID or alias to a model record.
func (c *Catalog) Lookup(model string) (*Model, bool) {
	if m, ok := c.byID[model]; ok {
		return m, true
	}
	if m, ok := c.byAlias[model]; ok {
		return m, true
	}
	return nil, false
}

// List returns all catalog models.
func (c *Catalog) List() []Model {
	return c.models
}

// Cost computes the USD cost of a generation. Cached prompt tokens are
// billed at the prompt rate unless the model declares prompt caching, in
// which case they are already excluded from PromptTokens by the adapter
// and priced here at half the prompt rate.
func (c *Catalog) Cost(model string, usage api.TokenUsage) float64 {
	m, ok := c.Lookup(model)
	if !ok {
		return 0
	}
	cost := float64(usage.PromptTokens)*m.Pricing.Prompt +
		float64(usage.CompletionTokens)*m.Pricing.Completion +
		m.Pricing.Request
	if usage.CachedPromptTokens > 0 && m.Supports(FeaturePromptCaching) {
		cost += float64(usage.CachedPromptTokens) * m.Pricing.Prompt * 0.5
	} else {
		cost += float64(usage.CachedPromptTokens) * m.Pricing.Prompt
	}
	return cost
}

// Adapter implements api.CatalogHandler on top of a Catalog.
type Adapter struct {
	catalog *Catalog
}

// NewAdapter wraps the catalog for registration in the api locator.
func NewAdapter(c *Catalog) *Adapter {
	return &Adapter{catalog: c}
}

// Register registers this adapter with the api package.
func (a *Adapter) Register() {
	api.RegisterCatalog(a)
}

// Lookup implements api.CatalogHandler.
func (a *Adapter) Lookup(model string) (*api.CatalogModelInfo, bool) {
	m, ok := a.catalog.Lookup(model)
	if !ok {
		return nil, false
	}
	return &api.CatalogModelInfo{
		ID:              m.ID,
		DisplayName:     m.DisplayName,
		ContextLength:   m.ContextLength,
		Created:         m.Created,
		Modality:        string(m.Modality),
		PromptPrice:     m.Pricing.Prompt,
		CompletionPrice: m.Pricing.Completion,
		ImagePrice:      m.Pricing.Image,
		RequestPrice:    m.Pricing.Request,
		Features:        m.Features,
	}, true
}

// Cost implements api.CatalogHandler.
func (a *Adapter) Cost(model string, usage api.TokenUsage) float64 {
	return a.catalog.Cost(model, usage)
}
