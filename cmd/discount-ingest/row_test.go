package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/digigoods-checkout/internal/domain/discount"
)

func TestParseRow(t *testing.T) {
	d, products, err := parseRow([]string{" spring25 ", "25", "general", "2026-03-01", "2026-05-31", "100", ""})
	require.NoError(t, err)
	assert.Equal(t, "SPRING25", d.Code)
	assert.True(t, decimal.NewFromInt(25).Equal(d.Percentage))
	assert.Equal(t, discount.General, d.Type)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), d.ValidFrom)
	assert.Equal(t, time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC), d.ValidUntil)
	assert.Equal(t, 100, d.RemainingUses)
	assert.Empty(t, products)

	d, products, err = parseRow([]string{"BOOKS20", "20.5", "PRODUCT_SPECIFIC", "2026-01-01", "2026-01-01", "0", "Go in Action; Clean Code;"})
	require.NoError(t, err)
	assert.Equal(t, discount.ProductSpecific, d.Type)
	assert.Equal(t, "20.5", d.Percentage.String())
	assert.Equal(t, []string{"Go in Action", "Clean Code"}, products)

	d, _, err = parseRow([]string{"TRAILING", "12.500", "GENERAL", "2026-01-01", "2026-01-31", "1", ""})
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.5").Equal(d.Percentage))
}

func TestParseRowHeader(t *testing.T) {
	_, _, err := parseRow([]string{"code", "percentage", "type", "valid_from", "valid_until", "remaining_uses", "products"})
	require.ErrorIs(t, err, errHeader)
}

func TestParseRowInvalid(t *testing.T) {
	valid := []string{"CODE", "10", "GENERAL", "2026-01-01", "2026-12-31", "5", ""}

	tests := []struct {
		name   string
		col    int
		value  string
		errMsg string
	}{
		{"empty code", colCode, "", "empty code"},
		{"unknown type", colType, "BOGO", "unknown type"},
		{"bad percentage", colPercentage, "ten", "percentage"},
		{"negative percentage", colPercentage, "-1", "out of range"},
		{"percentage over 100", colPercentage, "100.01", "out of range"},
		{"percentage precision", colPercentage, "12.345", "more than 2 decimal places"},
		{"bad valid from", colValidFrom, "01/01/2026", "valid from"},
		{"bad valid until", colValidUntil, "2026-13-01", "valid until"},
		{"inverted window", colValidUntil, "2025-12-31", "before valid from"},
		{"bad uses", colRemainingUses, "many", "remaining uses"},
		{"negative uses", colRemainingUses, "-3", "negative"},
		{"general with products", colProducts, "Clean Code", "general discount lists products"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := append([]string(nil), valid...)
			rec[tt.col] = tt.value

			_, _, err := parseRow(rec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	t.Run("product specific without products", func(t *testing.T) {
		rec := append([]string(nil), valid...)
		rec[colType] = "PRODUCT_SPECIFIC"

		_, _, err := parseRow(rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lists no products")
	})

	t.Run("column count", func(t *testing.T) {
		_, _, err := parseRow(valid[:5])
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 7 columns, got 5")
	})
}

func TestResolveProducts(t *testing.T) {
	ids := map[string]int64{"Go in Action": 1, "Clean Code": 2}

	var d discount.Discount
	require.NoError(t, resolveProducts(&d, []string{"Clean Code", "Go in Action"}, ids))
	assert.Equal(t, []int64{2, 1}, d.ProductIDs)

	err := resolveProducts(&d, []string{"Missing"}, ids)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown product "Missing"`)
}

type memStore struct {
	mu      sync.Mutex
	batches int
	byCode  map[string]discount.Discount
	err     error
}

func (s *memStore) UpsertBatch(_ context.Context, ds []discount.Discount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches++
	for _, d := range ds {
		s.byCode[d.Code] = d
	}
	return nil
}

func writeGzipCSV(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestIngest(t *testing.T) {
	dir := t.TempDir()
	a := writeGzipCSV(t, dir, "a.csv.gz",
		"code,percentage,type,valid_from,valid_until,remaining_uses,products",
		"WELCOME10,10,GENERAL,2026-01-01,2026-12-31,100,",
		"BOOKS20,20,PRODUCT_SPECIFIC,2026-01-01,2026-12-31,50,Clean Code",
		"SHARED,5,GENERAL,2026-01-01,2026-12-31,1,",
		"BROKEN,abc,GENERAL,2026-01-01,2026-12-31,1,",
	)
	b := writeGzipCSV(t, dir, "b.csv.gz",
		"AUDIO50,50,PRODUCT_SPECIFIC,2026-01-01,2026-12-31,5,Podcast Kit;Mic Pack",
		"SHARED,15,GENERAL,2026-01-01,2026-12-31,1,",
		"TWICE,5,GENERAL,2026-01-01,2026-12-31,1,",
		"TWICE,6,GENERAL,2026-01-01,2026-12-31,1,",
		"GHOST,5,PRODUCT_SPECIFIC,2026-01-01,2026-12-31,1,Unknown Product",
	)

	st := &memStore{byCode: map[string]discount.Discount{}}
	in := &ingester{
		files:     []string{a, b},
		capacity:  1000,
		batchSize: 2,
		products:  map[string]int64{"Clean Code": 1, "Podcast Kit": 2, "Mic Pack": 3},
		resolve:   true,
		store:     st,
	}

	stats, err := in.ingest(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.written)
	assert.Equal(t, 2, stats.invalid)
	assert.Equal(t, 2, stats.conflicts)

	require.Len(t, st.byCode, 3)
	assert.Contains(t, st.byCode, "WELCOME10")
	assert.Equal(t, []int64{1}, st.byCode["BOOKS20"].ProductIDs)
	assert.Equal(t, []int64{2, 3}, st.byCode["AUDIO50"].ProductIDs)
	assert.NotContains(t, st.byCode, "SHARED")
	assert.NotContains(t, st.byCode, "TWICE")
}

func TestIngestStoreError(t *testing.T) {
	dir := t.TempDir()
	path := writeGzipCSV(t, dir, "a.csv.gz", "WELCOME10,10,GENERAL,2026-01-01,2026-12-31,100,")

	in := &ingester{
		files:     []string{path},
		capacity:  10,
		batchSize: 10,
		store:     &memStore{byCode: map[string]discount.Discount{}, err: errors.New("connection reset")},
	}

	_, err := in.ingest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
