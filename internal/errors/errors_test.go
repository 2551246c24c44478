package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/agent-valuator/internal/types"
)

func TestCategorize(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory ErrorCategory
		wantStatus   int
	}{
		{"categorized passthrough", NewNotFoundError("portfolio", "0xabc"), CategoryNotFound, http.StatusNotFound},
		{"wrapped categorized", fmt.Errorf("refresh: %w", NewDatabaseError("save position", nil)), CategoryDatabase, http.StatusInternalServerError},
		{"service validation", &types.ServiceError{Code: "INVALID_ADDRESS", Message: "bad"}, CategoryValidation, http.StatusBadRequest},
		{"service not found", &types.ServiceError{Code: "AGENT_NOT_FOUND", Message: "missing"}, CategoryNotFound, http.StatusNotFound},
		{"plain error", fmt.Errorf("boom"), CategorySystem, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Categorize(tt.err)
			if got.Category != tt.wantCategory {
				t.Errorf("Categorize().Category = %v, want %v", got.Category, tt.wantCategory)
			}
			if got.StatusCode != tt.wantStatus {
				t.Errorf("Categorize().StatusCode = %v, want %v", got.StatusCode, tt.wantStatus)
			}
		})
	}

	if Categorize(nil) != nil {
		t.Error("Categorize(nil) should be nil")
	}
}

func TestIsMissingIdentity(t *testing.T) {
	err := fmt.Errorf("decrease: %w", NewMissingIdentityError("position", "0xabc:cl:0xdef:1"))
	if !IsMissingIdentity(err) {
		t.Error("IsMissingIdentity() = false, want true")
	}
	if IsMissingIdentity(NewUnavailableError("chainlink", nil)) {
		t.Error("IsMissingIdentity(unavailable) = true, want false")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewDatabaseError("insert", nil), true},
		{NewCacheError("get", nil), true},
		{NewUnavailableError("slot0", fmt.Errorf("execution reverted")), false},
		{NewInvalidParameterError("at", "negative"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewUnavailableError("latestRoundData", cause)

	if err.Unwrap() != cause {
		t.Error("Unwrap() did not return cause")
	}
	if err.Error() != "SOURCE_UNAVAILABLE: source unavailable: latestRoundData (caused by: connection refused)" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestIsUserError(t *testing.T) {
	if !IsUserError(NewInvalidParameterError("agent", "not hex")) {
		t.Error("IsUserError(invalid parameter) = false, want true")
	}
	if IsUserError(NewInternalError("boom", nil)) {
		t.Error("IsUserError(internal) = true, want false")
	}
}
