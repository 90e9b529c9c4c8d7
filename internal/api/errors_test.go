package api

import (
	"errors"
	"net/http"
	"testing"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindUnauthenticated, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindQuerySyntax, http.StatusBadRequest},
		{KindTypeMismatch, http.StatusBadRequest},
		{KindFileTooLarge, http.StatusBadRequest},
		{KindExtensionDenied, http.StatusBadRequest},
		// Duplicate upload attempts are caller errors, not state conflicts.
		{KindFileExists, http.StatusBadRequest},
		{KindPathEscape, http.StatusBadRequest},
		{KindCompositeTemplate, http.StatusBadRequest},
		{KindRowConflict, http.StatusConflict},
		{KindUpstreamDown, http.StatusBadGateway},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
		{KindDbUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.kind); got != tc.want {
			t.Fatalf("StatusFor(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestKindOfUnwraps(t *testing.T) {
	inner := Errf(KindFileExists, "file %q already exists", "a.txt")
	wrapped := E(KindUnexpected, "outer", inner)
	if KindOf(inner) != KindFileExists {
		t.Fatalf("KindOf(inner) = %s", KindOf(inner))
	}
	if KindOf(wrapped) != KindUnexpected {
		t.Fatalf("outermost kind wins, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindUnexpected {
		t.Fatalf("plain errors default to unexpected")
	}
}
