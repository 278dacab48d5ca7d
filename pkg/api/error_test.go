package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "tagged error",
			err:      NewError(KindNotFound, "repo %q not found", "demo"),
			expected: KindNotFound,
		},
		{
			name:     "wrapped tagged error",
			err:      fmt.Errorf("outer: %w", NewError(KindConflict, "duplicate name")),
			expected: KindConflict,
		},
		{
			name:     "tag wrapping a driver error",
			err:      WrapError(KindForbidden, errors.New("raw"), "write denied"),
			expected: KindForbidden,
		},
		{
			name:     "untagged error",
			err:      errors.New("connection reset"),
			expected: KindInternal,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if actual := KindOf(tc.err); actual != tc.expected {
				t.Errorf("expected kind %s, got %s", tc.expected, actual)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		kind     Kind
		expected int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(string(tc.kind), func(t *testing.T) {
			if actual := HTTPStatus(NewError(tc.kind, "x")); actual != tc.expected {
				t.Errorf("expected %d, got %d", tc.expected, actual)
			}
		})
	}
}

func TestUnwrapPreservesChild(t *testing.T) {
	child := errors.New("unique constraint")
	err := WrapError(KindConflict, child, "repository already exists")
	if !errors.Is(err, child) {
		t.Error("wrapped child not reachable via errors.Is")
	}
}

func TestRoleString(t *testing.T) {
	for role, expected := range map[Role]string{RoleAdmin: "admin", RoleWrite: "editor", RoleRead: "viewer", RoleNone: "none"} {
		if actual := role.String(); actual != expected {
			t.Errorf("Role(%d): expected %q, got %q", role, expected, actual)
		}
	}
}
