package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

func customerRecord(id, name string) *models.Record {
	return &models.Record{
		Type:    models.EntityCustomer,
		ID:      id,
		Version: 1,
		Entity:  &models.Customer{Base: models.Base{ID: id}, Name: name},
	}
}

func TestCache_RecordRoundTrip(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	_, ok := c.GetRecord(models.EntityCustomer, "c1")
	assert.False(t, ok)

	c.PutRecord(customerRecord("c1", "Ana"), c.Generation(models.EntityCustomer))
	got, ok := c.GetRecord(models.EntityCustomer, "c1")
	require.True(t, ok)
	assert.Equal(t, "Ana", got.Entity.(*models.Customer).Name)

	// Mutating the returned copy must not leak into the cache.
	got.Entity.(*models.Customer).Name = "Changed"
	again, _ := c.GetRecord(models.EntityCustomer, "c1")
	assert.Equal(t, "Ana", again.Entity.(*models.Customer).Name)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCache_InvalidateDropsTypeLists(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	gen := c.Generation(models.EntityCustomer)
	c.PutRecord(customerRecord("c1", "Ana"), gen)
	c.PutList(models.EntityCustomer, "all", []*models.Record{customerRecord("c1", "Ana")}, gen)
	c.PutList(models.EntityJob, "all", nil, c.Generation(models.EntityJob))

	c.Invalidate(models.EntityCustomer, "c1")

	_, ok := c.GetRecord(models.EntityCustomer, "c1")
	assert.False(t, ok)
	_, ok = c.GetList(models.EntityCustomer, "all")
	assert.False(t, ok)
	_, ok = c.GetList(models.EntityJob, "all")
	assert.True(t, ok, "other types keep their lists")
}

func TestCache_StaleFillDiscarded(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	gen := c.Generation(models.EntityCustomer)
	// A write lands between the reader's store query and its cache fill.
	c.Invalidate(models.EntityCustomer, "c1")
	c.PutRecord(customerRecord("c1", "stale"), gen)
	c.PutList(models.EntityCustomer, "all", nil, gen)

	_, ok := c.GetRecord(models.EntityCustomer, "c1")
	assert.False(t, ok)
	_, ok = c.GetList(models.EntityCustomer, "all")
	assert.False(t, ok)
}

func TestCache_Purge(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)

	c.PutRecord(customerRecord("c1", "Ana"), c.Generation(models.EntityCustomer))
	c.Purge()

	assert.Equal(t, 0, c.Stats().Records)
	_, ok := c.GetRecord(models.EntityCustomer, "c1")
	assert.False(t, ok)
}
