package database

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"unique violation", &pq.Error{Code: "23505"}, ErrConstraint},
		{"foreign key violation", &pq.Error{Code: "23503"}, ErrConstraint},
		{"connection failure", &pq.Error{Code: "08006"}, ErrConnection},
		{"bad conn", sql.ErrConnDone, ErrConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify("op", tt.err), tt.kind)
		})
	}

	other := classify("insert", errors.New("boom"))
	assert.False(t, errors.Is(other, ErrNotFound) || errors.Is(other, ErrConstraint) || errors.Is(other, ErrConnection))
	assert.Contains(t, other.Error(), "failed to insert")

	assert.Nil(t, classify("op", nil))
}

func TestErrorKeepsCause(t *testing.T) {
	cause := &pq.Error{Code: "23505", Message: "duplicate key"}
	err := classify("create user", cause)

	var pqErr *pq.Error
	assert.True(t, errors.As(err, &pqErr))
	assert.Contains(t, err.Error(), "create user")
}
