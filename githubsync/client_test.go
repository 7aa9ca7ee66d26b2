package githubsync

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-github/v57/github"
)

func ghError(status int) error {
	return &github.ErrorResponse{Response: &http.Response{StatusCode: status}}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"rate limit", &github.RateLimitError{}, errKindTransient},
		{"abuse rate limit", &github.AbuseRateLimitError{}, errKindTransient},
		{"server error", ghError(http.StatusBadGateway), errKindTransient},
		{"unauthorized", ghError(http.StatusUnauthorized), errKindAuth},
		{"forbidden", ghError(http.StatusForbidden), errKindAuth},
		{"not found", ghError(http.StatusNotFound), errKindNotFound},
		{"unprocessable", ghError(http.StatusUnprocessableEntity), errKindValidation},
		{"bad request", ghError(http.StatusBadRequest), errKindValidation},
		{"network", errors.New("connection reset"), errKindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyError(tc.err); got != tc.want {
				t.Fatalf("classifyError = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyError_SurvivesWrapping(t *testing.T) {
	wrapped := fmt.Errorf("list releases: %w", ghError(http.StatusForbidden))
	if got := classifyError(wrapped); got != errKindAuth {
		t.Fatalf("classification must penetrate wrapping, got %q", got)
	}
}

func TestSplitRepositoryFullName(t *testing.T) {
	owner, repo, err := splitRepositoryFullName("acme/widgets")
	if err != nil || owner != "acme" || repo != "widgets" {
		t.Fatalf("unexpected result: %q %q %v", owner, repo, err)
	}

	for _, bad := range []string{"", "acme", "acme/", "/widgets"} {
		if _, _, err := splitRepositoryFullName(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
