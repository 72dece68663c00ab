package types_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/pkg/types"
)

func TestWorkingItemValidate(t *testing.T) {
	tests := []struct {
		name    string
		item    types.WorkingItem
		wantErr bool
	}{
		{"valid", types.WorkingItem{Category: "preference", Key: "theme", Value: "dark", Importance: 0.5}, false},
		{"missing category", types.WorkingItem{Key: "theme", Value: "dark"}, true},
		{"blank key", types.WorkingItem{Category: "preference", Key: "  ", Value: "dark"}, true},
		{"empty value", types.WorkingItem{Category: "preference", Key: "theme"}, true},
		{"importance above one", types.WorkingItem{Category: "c", Key: "k", Value: "v", Importance: 1.2}, true},
		{"negative importance", types.WorkingItem{Category: "c", Key: "k", Value: "v", Importance: -0.1}, true},
		{"negative ttl", types.WorkingItem{Category: "c", Key: "k", Value: "v", TTL: -time.Second}, true},
		{"oversized key", types.WorkingItem{Category: "c", Key: strings.Repeat("k", types.MaxKeyLength+1), Value: "v"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, types.ErrValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkingItemExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&types.WorkingItem{}).Expired(now))
	assert.True(t, (&types.WorkingItem{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&types.WorkingItem{ExpiresAt: &future}).Expired(now))
}

func TestValidateDimension(t *testing.T) {
	assert.NoError(t, types.ValidateDimension(make([]float32, 4), 4))

	err := types.ValidateDimension(make([]float32, 3), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrValidation)

	assert.ErrorIs(t, types.ValidateDimension(nil, 0), types.ErrValidation)
}

func TestSemanticMemoryValidate(t *testing.T) {
	mem := &types.SemanticMemory{ID: "sem-1", Content: "urgent: production outage", Importance: 0.9, Embedding: make([]float32, 8)}
	assert.NoError(t, mem.Validate(8))
	assert.ErrorIs(t, mem.Validate(16), types.ErrValidation)

	mem.Content = " "
	assert.ErrorIs(t, mem.Validate(8), types.ErrValidation)
}

func TestContentHashNormalizes(t *testing.T) {
	a := types.ContentHash("Urgent:  production\toutage")
	b := types.ContentHash("urgent: production outage")
	c := types.ContentHash("urgent: staging outage")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestEntityDescribeIsOrdered(t *testing.T) {
	e := types.Entity{Name: "payments-api", Type: "service", Properties: map[string]string{"team": "core", "lang": "go"}}
	assert.Equal(t, "payments-api (service); lang=go; team=core", e.Describe())
}

func TestResultItemBackends(t *testing.T) {
	r := types.ResultItem{Sources: []types.SourceRef{
		{Backend: types.BackendWorking, ID: "a", Rank: 1},
		{Backend: types.BackendSemantic, ID: "b", Rank: 2},
		{Backend: types.BackendWorking, ID: "c", Rank: 3},
	}}
	assert.Equal(t, []string{types.BackendWorking, types.BackendSemantic}, r.Backends())
}

func TestSearchFilters(t *testing.T) {
	var all types.SearchFilters
	assert.True(t, all.AllowsCategory("anything"))
	assert.True(t, all.AllowsBackend(types.BackendGraph))

	f := types.SearchFilters{Categories: []string{"error"}, Backends: []string{types.BackendWorking}}
	assert.True(t, f.AllowsCategory("error"))
	assert.False(t, f.AllowsCategory("preference"))
	assert.True(t, f.AllowsBackend(types.BackendWorking))
	assert.False(t, f.AllowsBackend(types.BackendGraph))
}
