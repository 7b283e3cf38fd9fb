package api

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"type":"cast.created"}`)
	if err := VerifySignature(body, "secret", sign(body, "secret")); err != nil {
		t.Fatalf("VerifySignature = %v, want nil", err)
	}
}

func TestVerifySignature_Mismatch(t *testing.T) {
	body := []byte(`{"type":"cast.created"}`)
	err := VerifySignature(body, "secret", sign(body, "other-secret"))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	body := []byte(`{"type":"cast.created"}`)
	sig := sign(body, "secret")
	tampered := []byte(`{"type":"cast.created" }`) // one added space
	if err := VerifySignature(tampered, "secret", sig); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature for re-serialized body", err)
	}
}

func TestVerifySignature_MissingSignature(t *testing.T) {
	if err := VerifySignature([]byte("x"), "secret", ""); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("err = %v, want ErrMissingSignature", err)
	}
}

func TestVerifySignature_MissingSecret(t *testing.T) {
	if err := VerifySignature([]byte("x"), "", "deadbeef"); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("err = %v, want ErrMissingSecret", err)
	}
}
