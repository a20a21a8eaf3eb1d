package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/freight-marketplace/internal/models"
)

type sample struct {
	ID      int64   `json:"id" validate:"gt=0"`
	Score   int     `json:"score" validate:"min=1,max=5"`
	Extra   *int    `json:"extra,omitempty" validate:"omitempty,min=1,max=5"`
	Weight  float64 `json:"weight_kg" validate:"gte=0"`
	Status  string  `json:"status" validate:"omitempty,oneof=active inactive"`
	Comment string  `validate:"max=5"`
}

func TestStructPasses(t *testing.T) {
	three := 3
	assert.NoError(t, Struct(sample{ID: 1, Score: 5, Extra: &three, Status: "inactive"}))
}

func TestStructListsEveryFailureByJSONName(t *testing.T) {
	nine := 9
	err := Struct(sample{Score: 0, Extra: &nine, Weight: -1, Status: "gone", Comment: "too long"})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)

	msg := err.Error()
	for _, want := range []string{
		"id must be greater than 0",
		"score must be at least 1",
		"extra must be at most 5",
		"weight_kg must be at least 0",
		"status must be one of [active inactive]",
		"Comment must be at most 5",
	} {
		assert.Contains(t, msg, want)
	}
}
