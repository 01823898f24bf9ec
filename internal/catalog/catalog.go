package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pilotcrew/agentgate/internal/models"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Pricing is cents per million tokens.
type Pricing struct {
	InputPerMtokCents  int `yaml:"input_per_mtok_cents"`
	OutputPerMtokCents int `yaml:"output_per_mtok_cents"`
}

// Entry describes one model family in the catalog. Name is a family prefix:
// dated releases like "claude-sonnet-4-5-20250929" match the
// "claude-sonnet-4-5" entry.
type Entry struct {
	Name     string      `yaml:"name"`
	Provider string      `yaml:"provider"`
	Tier     models.Plan `yaml:"tier"`
	Pricing  `yaml:",inline"`
}

// Catalog is the static model table: which models exist, the minimum plan
// for each, and what they cost. Read-only after Load.
type Catalog struct {
	Version        int     `yaml:"catalog_version"`
	DefaultPricing Pricing `yaml:"default_pricing"`
	Models         []Entry `yaml:"models"`
}

// Load parses the embedded catalog. Called once at startup.
func Load() (*Catalog, error) {
	return Parse(catalogYAML)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("catalog has no models")
	}
	for _, m := range c.Models {
		switch m.Tier {
		case models.PlanFree, models.PlanPro, models.PlanUltra:
		default:
			return nil, fmt.Errorf("model %q has unknown tier %q", m.Name, m.Tier)
		}
	}
	return &c, nil
}

// lookup finds the entry whose family name matches the requested model,
// preferring the longest match so "gpt-4o-mini" does not resolve to "gpt-4o".
func (c *Catalog) lookup(model string) (Entry, bool) {
	var best Entry
	found := false
	for _, m := range c.Models {
		if model != m.Name && !strings.HasPrefix(model, m.Name+"-") {
			continue
		}
		if !found || len(m.Name) > len(best.Name) {
			best = m
			found = true
		}
	}
	return best, found
}

// IsAllowed reports whether a plan may use the requested model.
//
// An empty model means the request body could not be parsed; access is
// deferred to the upstream provider rather than rejected on a guess.
func (c *Catalog) IsAllowed(model string, plan models.Plan) bool {
	if model == "" {
		return true
	}
	entry, ok := c.lookup(model)
	if !ok {
		return false
	}
	switch plan {
	case models.PlanUltra:
		return true
	case models.PlanPro:
		return entry.Tier != models.PlanUltra
	case models.PlanFree:
		return entry.Tier == models.PlanFree
	default:
		return false
	}
}

// MinimumPlan returns the lowest plan that may use the model, for upgrade
// hints in 403 responses. Unknown models report ultra since no plan helps.
func (c *Catalog) MinimumPlan(model string) models.Plan {
	entry, ok := c.lookup(model)
	if !ok {
		return models.PlanUltra
	}
	return entry.Tier
}

// CostCents estimates the billable cost of a request, rounded up to the
// nearest cent. Unrecognized models use the catalog default rates.
func (c *Catalog) CostCents(model string, inputTokens, outputTokens int) int {
	pricing := c.DefaultPricing
	if entry, ok := c.lookup(model); ok {
		pricing = entry.Pricing
	}
	num := int64(inputTokens)*int64(pricing.InputPerMtokCents) +
		int64(outputTokens)*int64(pricing.OutputPerMtokCents)
	const mtok = 1_000_000
	return int((num + mtok - 1) / mtok)
}
