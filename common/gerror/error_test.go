package gerror

import (
	"errors"
	"net/http"
	"testing"
)

func TestValidationFailed_HTTPStatus(t *testing.T) {
	err := ValidationFailed("bad request", nil)
	if err.HTTPStatusCode() != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", err.HTTPStatusCode())
	}
	if err.Audience() != AudienceExternal {
		t.Fatalf("validation errors should be external-audience")
	}
}

func TestNotFound_IsCode(t *testing.T) {
	err := NotFound("job x not found", nil)
	if !IsCode(err, CodeNotFound) {
		t.Fatal("expected IsCode to match CodeNotFound")
	}
	if IsCode(err, CodeTimeout) {
		t.Fatal("expected IsCode not to match a different code")
	}
}

func TestIsCode_WrappedError(t *testing.T) {
	inner := NotFound("job x not found", nil)
	wrapped := errors.New("context: " + inner.Error())
	if IsCode(wrapped, CodeNotFound) {
		t.Fatal("a plain wrapped string should not match IsCode")
	}
}

func TestDetail_Attached(t *testing.T) {
	err := ValidationFailed("bad field", nil).EDetail("field", "source_type")
	details := err.Details()
	d, ok := details["field"]
	if !ok {
		t.Fatal("expected detail 'field' to be present")
	}
	if d.Value() != "source_type" {
		t.Fatalf("expected detail value 'source_type', got %v", d.Value())
	}
}

func TestError_Wrap(t *testing.T) {
	base := StepDispatchFailed("dispatch failed", nil)
	wrapped := base.Wrap(errors.New("connection refused"))
	if wrapped.Unwrap() == nil {
		t.Fatal("expected inner error to be set")
	}
}
