package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusByKind(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{NotFound("missing"), http.StatusNotFound},
		{Validation("bad"), http.StatusBadRequest},
		{Conflict("dup"), http.StatusConflict},
		{InvalidOperation("nope"), http.StatusUnprocessableEntity},
		{CascadeLimitExceeded(5), http.StatusConflict},
		{Dispatch("smtp down", errors.New("dial")), http.StatusBadGateway},
		{Internal("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.err.Kind, tc.want, got)
		}
	}
}

func TestGetKindFollowsWrappedChain(t *testing.T) {
	base := InvalidOperation("cannot remove default stage").WithOp("RemoveStage")
	wrapped := fmt.Errorf("save configuration: %w", base)

	if !Is(wrapped, KindInvalidOperation) {
		t.Fatalf("expected wrapped error to keep kind %s", KindInvalidOperation)
	}
	if GetKind(errors.New("plain")) != KindUnknown {
		t.Fatalf("expected plain error to be unknown")
	}
	if base.Error() != "RemoveStage: cannot remove default stage" {
		t.Fatalf("unexpected message %q", base.Error())
	}
}
