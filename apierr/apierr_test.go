package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCodesAndStatuses(t *testing.T) {
	cases := []struct {
		code   Code
		number int
		status int
	}{
		{MissingRequiredField, 1001, http.StatusBadRequest},
		{InvalidDataFormat, 1002, http.StatusUnsupportedMediaType},
		{InvalidData, 1003, http.StatusBadRequest},
		{UnknownResource, 1004, http.StatusNotFound},
		{AlreadyInProgress, 1005, http.StatusBadRequest},
	}
	for _, tc := range cases {
		if tc.code.Code != tc.number {
			t.Fatalf("expected code %d got %d", tc.number, tc.code.Code)
		}
		if tc.code.Status != tc.status {
			t.Fatalf("code %d: expected status %d got %d", tc.number, tc.status, tc.code.Status)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("row missing")
	err := Wrap(UnknownResource, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	apiErr, ok := From(err)
	if !ok {
		t.Fatalf("expected api error")
	}
	if apiErr.Code.Code != 1004 {
		t.Fatalf("expected code 1004 got %d", apiErr.Code.Code)
	}
	if Wrap(UnknownResource, nil) != nil {
		t.Fatalf("wrapping nil must return nil")
	}
}

func TestFromFindsNestedError(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(AlreadyInProgress, "asset busy"))
	apiErr, ok := From(err)
	if !ok {
		t.Fatalf("expected nested api error to be found")
	}
	if apiErr.Code.Code != 1005 {
		t.Fatalf("expected code 1005 got %d", apiErr.Code.Code)
	}
	if _, ok := From(errors.New("plain")); ok {
		t.Fatalf("plain error must not convert")
	}
}
