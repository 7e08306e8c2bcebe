package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/storage"
)

func TestRewritePlaceholders(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "simple",
			in:   "SELECT * FROM memories WHERE id = $1",
			want: "SELECT * FROM memories WHERE id = ?1",
		},
		{
			name: "multiple out of order",
			in:   "UPDATE memories SET content = $2 WHERE id = $1",
			want: "UPDATE memories SET content = ?2 WHERE id = ?1",
		},
		{
			name: "multi digit",
			in:   "VALUES ($1, $10, $11)",
			want: "VALUES (?1, ?10, ?11)",
		},
		{
			name: "dollar inside string literal untouched",
			in:   "SELECT * FROM memories WHERE content = 'price is $1'",
			want: "SELECT * FROM memories WHERE content = 'price is $1'",
		},
		{
			name: "escaped quote does not end the literal",
			in:   "SELECT 'it''s $1 here' WHERE id = $1",
			want: "SELECT 'it''s $1 here' WHERE id = ?1",
		},
		{
			name: "bare dollar sign untouched",
			in:   "SELECT '$' , $1",
			want: "SELECT '$' , ?1",
		},
		{
			name: "no placeholders",
			in:   "SELECT COUNT(*) FROM memories",
			want: "SELECT COUNT(*) FROM memories",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storage.RewritePlaceholders(tt.in))
		})
	}
}

func TestSearchOptionsNormalize(t *testing.T) {
	var opts storage.SearchOptions
	opts.Normalize()
	assert.Equal(t, storage.DefaultSearchLimit, opts.Limit)

	opts = storage.SearchOptions{Limit: 500}
	opts.Normalize()
	assert.Equal(t, storage.MaxSearchLimit, opts.Limit)

	opts = storage.SearchOptions{Limit: 25}
	opts.Normalize()
	assert.Equal(t, 25, opts.Limit)
}
