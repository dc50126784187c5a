package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/geo"
	"nostr-incidents/internal/identity"
	"nostr-incidents/internal/store"
)

// AddShape stores a drawn shape and makes it part of the spatial filter.
func (c *Client) AddShape(ctx context.Context, s *geo.Shape) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := c.Cache.Shapes.Put(ctx, s); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("save shape: %w", err)
	}
	c.Store.UpsertShape(s)
	return nil
}

// RemoveShape deletes a drawn shape.
func (c *Client) RemoveShape(ctx context.Context, id string) error {
	if err := c.Cache.Shapes.Delete(ctx, id); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("delete shape: %w", err)
	}
	c.Store.RemoveShape(id)
	return nil
}

// SetShapeActive toggles whether a shape takes part in spatial filtering.
func (c *Client) SetShapeActive(ctx context.Context, id string, active bool) error {
	s, ok := c.Store.SetShapeActive(id, active)
	if !ok {
		return fmt.Errorf("shape %s: %w", id, cache.ErrNotFound)
	}
	if err := c.Cache.Shapes.Mirror(ctx, []*geo.Shape{s}, nil, c.shape); err != nil && !errors.Is(err, cache.ErrStorageUnavailable) {
		return fmt.Errorf("save shape: %w", err)
	}
	return nil
}

func (c *Client) shape(id string) (*geo.Shape, bool) {
	for _, s := range c.Store.Get().Shapes {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// SetViewport records the visible map area; the report feed follows it.
func (c *Client) SetViewport(v geo.Viewport) {
	c.Store.SetViewport(v)
}

// SetFilters replaces the user's feed filters.
func (c *Client) SetFilters(f store.Filters) {
	c.Store.SetFilters(f)
}

// Generate creates a new local identity protected by passphrase.
func (c *Client) Generate(passphrase string) (string, error) {
	pk, err := c.Identity.Generate(passphrase)
	if err != nil {
		return "", err
	}
	c.syncIdentity()
	return pk, nil
}

// ImportKey stores an nsec or hex secret key protected by passphrase.
func (c *Client) ImportKey(value, passphrase string) (string, error) {
	pk, err := c.Identity.Import(value, passphrase)
	if err != nil {
		return "", err
	}
	c.syncIdentity()
	return pk, nil
}

// Unlock decrypts the stored key for signing.
func (c *Client) Unlock(passphrase string) error {
	return c.Identity.Unlock(passphrase)
}

// UseExternal delegates signing to an external signer.
func (c *Client) UseExternal(ctx context.Context, s identity.Signer) (string, error) {
	pk, err := c.Identity.UseExternal(ctx, s)
	if err != nil {
		return "", err
	}
	c.syncIdentity()
	return pk, nil
}

// Logout drops the signer; forget also erases the stored key.
func (c *Client) Logout(forget bool) error {
	if err := c.Identity.Logout(forget); err != nil {
		return err
	}
	c.syncIdentity()
	return nil
}

func (c *Client) syncIdentity() {
	rec := c.Identity.Record()
	if rec == nil {
		c.Store.SetIdentity(nil)
		return
	}
	c.Store.SetIdentity(&store.Identity{PublicKey: rec.PublicKey, AuthMethod: string(rec.AuthMethod)})
}
