package core

import (
	"errors"
	"testing"

	"firerisk/internal/types"
)

type runRequest struct {
	BaseTime string `json:"base_time" validate:"required,isotime"`
	Force    bool   `json:"force"`
}

func TestValidateStruct(t *testing.T) {
	v := NewValidator(discardLogger())

	tests := []struct {
		name     string
		in       runRequest
		wantCode types.ErrorCode
	}{
		{"date", runRequest{BaseTime: "2025-07-01"}, ""},
		{"datetime", runRequest{BaseTime: "2025-07-01T12:00:00"}, ""},
		{"rfc3339", runRequest{BaseTime: "2025-07-01T12:00:00Z"}, ""},
		{"missing", runRequest{}, types.ErrCodeValidationMissingField},
		{"garbage", runRequest{BaseTime: "yesterday"}, types.ErrCodeValidationInvalidTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateStruct(tt.in)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %v", err)
			}
			if appErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", appErr.Code, tt.wantCode)
			}
			fields, ok := appErr.Details["validation_errors"].([]ValidationError)
			if !ok || len(fields) != 1 {
				t.Fatalf("validation_errors = %#v", appErr.Details["validation_errors"])
			}
			if fields[0].Field != "base_time" {
				t.Errorf("field = %q, want the JSON name base_time", fields[0].Field)
			}
		})
	}
}

func TestValidationResult_IsValid(t *testing.T) {
	r := ValidationResult{Warnings: []ValidationError{{Field: "lead_hours"}}}
	if !r.IsValid() {
		t.Error("warnings alone must not invalidate")
	}
	r.Errors = append(r.Errors, ValidationError{Field: "base_time"})
	if r.IsValid() {
		t.Error("errors must invalidate")
	}
}
