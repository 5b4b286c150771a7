package consoleapi

import (
	"context"
	"net/url"
	"strings"
)

// Resource addresses one admin collection, such as "users" or "roles", by
// name. Payloads are passed through untyped.
type Resource struct {
	c    *Client
	name string
}

// Resource returns the collection at /name.
func (c *Client) Resource(name string) *Resource {
	return &Resource{c: c, name: strings.Trim(name, "/")}
}

// Name returns the collection name.
func (r *Resource) Name() string { return r.name }

func (r *Resource) path(parts ...string) string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(r.name)
	for _, p := range parts {
		b.WriteString("/")
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// List fetches the collection.
func (r *Resource) List(ctx context.Context, params url.Values) (*Envelope, error) {
	return r.c.Get(ctx, r.path(), params)
}

// Get fetches one item.
func (r *Resource) Get(ctx context.Context, id string) (*Envelope, error) {
	return r.c.Get(ctx, r.path(id), nil)
}

// Create adds an item.
func (r *Resource) Create(ctx context.Context, body any) (*Envelope, error) {
	return r.c.Post(ctx, r.path(), body)
}

// Update replaces an item.
func (r *Resource) Update(ctx context.Context, id string, body any) (*Envelope, error) {
	return r.c.Put(ctx, r.path(id), body)
}

// Delete removes an item.
func (r *Resource) Delete(ctx context.Context, id string) (*Envelope, error) {
	return r.c.Delete(ctx, r.path(id), nil)
}

// Related lists the items of relation attached to id, e.g. a group's users.
func (r *Resource) Related(ctx context.Context, id, relation string, params url.Values) (*Envelope, error) {
	return r.c.Get(ctx, r.path(id, relation), params)
}

// AddRelation attaches items to id under relation.
func (r *Resource) AddRelation(ctx context.Context, id, relation string, body any) (*Envelope, error) {
	return r.c.Post(ctx, r.path(id, relation), body)
}

// RemoveRelation detaches relationID from id.
func (r *Resource) RemoveRelation(ctx context.Context, id, relation, relationID string) (*Envelope, error) {
	return r.c.Delete(ctx, r.path(id, relation, relationID), nil)
}

// BatchDelete removes several items at once.
func (r *Resource) BatchDelete(ctx context.Context, ids []string) (*Envelope, error) {
	return r.c.Delete(ctx, r.path("batch"), map[string]any{"ids": ids})
}

// BatchUpdate updates several items at once.
func (r *Resource) BatchUpdate(ctx context.Context, body any) (*Envelope, error) {
	return r.c.Put(ctx, r.path("batch"), body)
}

// RefreshCache asks the server to rebuild the cached copy of one item.
func (r *Resource) RefreshCache(ctx context.Context, id string) (*Envelope, error) {
	return r.c.Post(ctx, r.path(id, "cache"), nil)
}

// RefreshCacheAll asks the server to rebuild the cache for the collection.
func (r *Resource) RefreshCacheAll(ctx context.Context) (*Envelope, error) {
	return r.c.Post(ctx, r.path("cache"), nil)
}
