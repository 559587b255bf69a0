package errdef

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructorsMatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{Validationf("bad version %q", "1.x"), ErrValidation},
		{Conflictf("head moved"), ErrConflict},
		{NotFoundf("version %s", "abc"), ErrNotFound},
		{StoreUnavailablef(errors.New("dial timeout"), "append version"), ErrStoreUnavailable},
		{PolicyBlockedf("critical regression"), ErrPolicyBlocked},
	}

	for _, tc := range cases {
		assert.ErrorIs(t, tc.err, tc.sentinel)
	}
}

func TestWrappingSurvivesAnotherLayer(t *testing.T) {
	inner := NotFoundf("snapshot for %s", "v1")
	outer := fmt.Errorf("load report: %w", inner)

	assert.ErrorIs(t, outer, ErrNotFound)
	assert.NotErrorIs(t, outer, ErrConflict)
}

func TestStoreUnavailableKeepsOperation(t *testing.T) {
	err := StoreUnavailablef(errors.New("connection reset"), "advance head")
	assert.Contains(t, err.Error(), "advance head")
	assert.Contains(t, err.Error(), "connection reset")
}
