package token

import "context"

// ResourceCatalog confirms that a resource id names a servable document.
type ResourceCatalog interface {
	Exists(ctx context.Context, resourceID string) (bool, error)
}

// StaticCatalog is a fixed set of resource ids loaded from configuration.
// An empty catalog accepts every id; the document layer is then the only authority.
type StaticCatalog struct {
	ids map[string]struct{}
}

// NewStaticCatalog returns a catalog of ids.
func NewStaticCatalog(ids []string) *StaticCatalog {
	c := &StaticCatalog{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			c.ids[id] = struct{}{}
		}
	}
	return c
}

func (c *StaticCatalog) Exists(_ context.Context, resourceID string) (bool, error) {
	if len(c.ids) == 0 {
		return resourceID != "", nil
	}
	_, ok := c.ids[resourceID]
	return ok, nil
}
