package errtax

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Category]int{
		CategoryValidation:      400,
		CategoryAuth:            401,
		CategoryNotFound:        404,
		CategoryOversize:        413,
		CategoryUpstreamTimeout: 504,
		CategoryTransport:       502,
		CategoryInternal:        500,
	}
	for cat, want := range cases {
		require.Equal(t, want, HTTPStatus(cat))
	}
}

func TestClassifyAndCategoryOf(t *testing.T) {
	cause := errors.New("boom")
	err := Classify(OpStore, CategoryInternal, cause)
	require.Equal(t, CategoryInternal, CategoryOf(err))
	require.ErrorIs(t, err, cause)

	require.Equal(t, CategoryInternal, CategoryOf(errors.New("plain error")))
}

func TestPublicMessageSanitizesUnsafeCategories(t *testing.T) {
	require.Equal(t, "boom", PublicMessage(CategoryValidation, "boom"))
	require.Equal(t, "Internal server error", PublicMessage(CategoryInternal, "stack trace leaked here"))
	require.Equal(t, "store failure: Invalid tunnel ID abc", PublicMessage(CategoryInternal, "store failure: Invalid tunnel ID abc"))
}
