package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode_WrappedChain(t *testing.T) {
	inner := InvalidTransition("sent", "draft")
	err := fmt.Errorf("transition: %w", inner)

	assert.True(t, HasCode(err, ErrCodeInvalidTransition))
	assert.False(t, HasCode(err, ErrCodeConflict))
	assert.False(t, HasCode(nil, ErrCodeInvalidTransition))
	assert.Equal(t, "sent", inner.Details["from"])
}

func TestCodeOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
}

func TestInsufficientStock_SortsSKUs(t *testing.T) {
	err := InsufficientStock(map[string]int{"B": 0, "A": 3})
	assert.Equal(t, []string{"A", "B"}, err.Details["skus"])
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("quote", "q1"), http.StatusNotFound},
		{InvalidInput("status", "bad"), http.StatusBadRequest},
		{InvalidTransition("a", "b"), http.StatusUnprocessableEntity},
		{ConcurrentModification("quote", "q1"), http.StatusConflict},
		{ApprovalAlreadyResolved("a1", "approved"), http.StatusConflict},
		{Unauthorized("no"), http.StatusForbidden},
		{TokenExpired(), http.StatusGone},
		{TokenNotFound(), http.StatusNotFound},
		{stderrors.New("x"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestWrap_Unwraps(t *testing.T) {
	base := stderrors.New("dial tcp: refused")
	err := DeliveryTransient(base)
	assert.True(t, stderrors.Is(err, base))
}
