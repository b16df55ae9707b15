package billing

import (
	"fmt"
	"strings"
)

// AddOnDefinition describes a purchasable pack of extra tokens.
// Definitions are owned by the catalog and never mutated; purchases copy
// the token count and price so later catalog edits do not affect them.
type AddOnDefinition struct {
	ID              string
	Name            string
	TokenCount      int64 // Tokens granted per pack, always positive
	PriceMinorUnits int64 // Price in the tenant's billing currency minor units
	Description     string
}

// Validate checks the definition's invariants
func (d AddOnDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrInvalidCatalog.WithMessage("Add-on ID cannot be empty")
	}
	if d.TokenCount <= 0 {
		return ErrInvalidCatalog.WithMessage(fmt.Sprintf("Add-on %q must grant a positive token count", d.ID))
	}
	if d.PriceMinorUnits < 0 {
		return ErrInvalidCatalog.WithMessage(fmt.Sprintf("Add-on %q cannot have a negative price", d.ID))
	}
	return nil
}

// Catalog is the read-only list of add-on packs. One entry is designated
// as the pack bought by automatic replenishment.
type Catalog struct {
	addons      map[string]AddOnDefinition
	order       []string
	autoTopUpID string
}

// NewCatalog builds a catalog from definitions, preserving their order
func NewCatalog(definitions []AddOnDefinition, autoTopUpID string) (*Catalog, error) {
	if len(definitions) == 0 {
		return nil, ErrInvalidCatalog.WithMessage("Add-on catalog cannot be empty")
	}

	c := &Catalog{
		addons:      make(map[string]AddOnDefinition, len(definitions)),
		order:       make([]string, 0, len(definitions)),
		autoTopUpID: autoTopUpID,
	}
	for _, def := range definitions {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.addons[def.ID]; exists {
			return nil, ErrInvalidCatalog.WithMessage(fmt.Sprintf("Duplicate add-on ID %q", def.ID))
		}
		c.addons[def.ID] = def
		c.order = append(c.order, def.ID)
	}

	if _, ok := c.addons[autoTopUpID]; !ok {
		return nil, ErrInvalidCatalog.WithMessage(fmt.Sprintf("Auto top-up add-on %q is not in the catalog", autoTopUpID))
	}
	return c, nil
}

// DefaultCatalog returns the stock pack line-up
func DefaultCatalog() *Catalog {
	c, err := NewCatalog([]AddOnDefinition{
		{ID: "tokens_10k", Name: "10K Tokens", TokenCount: 10_000, PriceMinorUnits: 500, Description: "Small top-up for occasional overage"},
		{ID: "tokens_50k", Name: "50K Tokens", TokenCount: 50_000, PriceMinorUnits: 2_000, Description: "Standard pack, used for automatic top-ups"},
		{ID: "tokens_250k", Name: "250K Tokens", TokenCount: 250_000, PriceMinorUnits: 8_000, Description: "Bulk pack for heavy automation workloads"},
	}, "tokens_50k")
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup returns the definition for id or ErrUnknownAddon
func (c *Catalog) Lookup(id string) (AddOnDefinition, error) {
	def, ok := c.addons[id]
	if !ok {
		return AddOnDefinition{}, ErrUnknownAddon.WithMessage(fmt.Sprintf("Add-on pack %q does not exist", id))
	}
	return def, nil
}

// List returns all definitions in catalog order
func (c *Catalog) List() []AddOnDefinition {
	defs := make([]AddOnDefinition, 0, len(c.order))
	for _, id := range c.order {
		defs = append(defs, c.addons[id])
	}
	return defs
}

// AutoTopUpPack returns the pack used by automatic replenishment
func (c *Catalog) AutoTopUpPack() AddOnDefinition {
	return c.addons[c.autoTopUpID]
}
