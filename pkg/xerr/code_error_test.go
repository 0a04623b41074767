package xerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	errBad := errors.New("bad")
	errGone := errors.New("gone")
	mappings := []Mapping{{Target: errBad, Code: BadRequest}, {Target: errGone, Code: NotFound}}

	assert.Nil(t, Map(nil, mappings...))

	got := Map(fmt.Errorf("%w: name empty", errBad), mappings...)
	assert.Equal(t, BadRequest, got.Code)
	assert.Equal(t, "bad: name empty", got.Message)

	assert.Equal(t, NotFound, Map(errGone, mappings...).Code)
	assert.Same(t, ErrServerError, Map(errors.New("boom"), mappings...))

	own := New(Forbidden, "no")
	assert.Same(t, own, Map(fmt.Errorf("wrap: %w", own), mappings...))
}
