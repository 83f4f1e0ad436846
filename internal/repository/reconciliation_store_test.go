package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlankTrimUsesSharedWhitespace(t *testing.T) {
	assert.Equal(t, `btrim(t.v, E' \t\n\r\f\v')`, blankTrim("t.v"))
}
