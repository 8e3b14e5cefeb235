package ports

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNonceConflict(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&VenueError{Code: CodeInvalidNonce, Message: "nonce"}, true},
		{fmt.Errorf("wrap: %w", &VenueError{Code: CodeInvalidNonce}), true},
		{errors.New("code=21104 Invalid Nonce, expected 12"), true},
		{&VenueError{Code: 21701, Message: "not enough margin"}, false},
		{errors.New("timeout"), false},
	}
	for i, tc := range cases {
		if got := IsNonceConflict(tc.err); got != tc.want {
			t.Fatalf("case %d: IsNonceConflict(%v)=%v, want %v", i, tc.err, got, tc.want)
		}
	}
}
