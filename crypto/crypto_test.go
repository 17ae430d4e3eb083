package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=" // "0123456789abcdef0123456789abcdef"

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"valid", testKey, ""},
		{"empty", "", "empty"},
		{"not base64", "%%%", "invalid encryption key"},
		{"short", base64.StdEncoding.EncodeToString([]byte("short")), "must be 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAESSealer(tt.key, "")
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("NewAESSealer() error = %v", err)
				}
				if s.KeyID() != "default" {
					t.Errorf("KeyID() = %q, want default", s.KeyID())
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("NewAESSealer() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	s, err := NewAESSealer(testKey, "k1")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := s.Seal("access-token-123")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if strings.Contains(sealed, "access-token-123") {
		t.Fatal("ciphertext contains plaintext")
	}
	again, _ := s.Seal("access-token-123")
	if again == sealed {
		t.Error("nonce reused across seals")
	}
	plain, err := s.Open(sealed)
	if err != nil || plain != "access-token-123" {
		t.Fatalf("Open() = %q, %v", plain, err)
	}

	if got, err := s.Seal(""); got != "" || err != nil {
		t.Errorf("Seal(\"\") = %q, %v", got, err)
	}
	if got, err := s.Open(""); got != "" || err != nil {
		t.Errorf("Open(\"\") = %q, %v", got, err)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s, _ := NewAESSealer(testKey, "")
	sealed, _ := s.Seal("secret")
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := s.Open(base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrOpen) {
		t.Errorf("Open(tampered) error = %v, want ErrOpen", err)
	}
	if _, err := s.Open(base64.StdEncoding.EncodeToString([]byte("abc"))); err == nil {
		t.Error("short ciphertext accepted")
	}

	other, _ := NewAESSealer(base64.StdEncoding.EncodeToString([]byte("fedcba9876543210fedcba9876543210")), "")
	if _, err := other.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("Open with wrong key error = %v, want ErrOpen", err)
	}
}
