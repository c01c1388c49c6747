package auth

import (
	"errors"
	"testing"
)

func TestServiceDisabledWithoutToken(t *testing.T) {
	svc := NewService("   ")
	if svc.Enabled() {
		t.Fatal("blank token should disable auth")
	}
	if err := svc.Authenticate(""); err != nil {
		t.Fatalf("disabled service must accept any request: %v", err)
	}
}

func TestServiceAuthenticate(t *testing.T) {
	svc := NewService("top-secret")
	if !svc.Enabled() {
		t.Fatal("service should be enabled")
	}

	if err := svc.Authenticate(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if err := svc.Authenticate("Bearer nope"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if err := svc.Authenticate("Bearer top-secret"); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
}

func TestServiceNilReceiver(t *testing.T) {
	var svc *Service
	if svc.Enabled() {
		t.Fatal("nil service must report disabled")
	}
	if err := svc.Authenticate("Bearer anything"); err != nil {
		t.Fatalf("nil service must accept requests: %v", err)
	}
}
