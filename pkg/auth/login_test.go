package auth

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPassword(t *testing.T) {
	// SHA-256 of the empty string
	const emptyDigest = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	if got := HashPassword(""); got != emptyDigest {
		t.Errorf("HashPassword(\"\") = %s, want %s", got, emptyDigest)
	}
	if got := HashPassword("secret"); len(got) != 64 || strings.ToLower(got) != got {
		t.Errorf("HashPassword should return 64 lowercase hex chars, got %q", got)
	}
}

func TestDefaultLogin(t *testing.T) {
	if !DefaultLogin(HashPassword("")) {
		t.Error("DefaultLogin should accept the empty password digest")
	}
	if DefaultLogin(HashPassword("secret")) {
		t.Error("DefaultLogin should reject any other digest")
	}
	if DefaultLogin("") {
		t.Error("DefaultLogin should reject an empty digest")
	}
}

func TestStaticLogin(t *testing.T) {
	login := StaticLogin("hunter2")

	tests := []struct {
		digest string
		want   bool
	}{
		{HashPassword("hunter2"), true},
		{HashPassword("hunter3"), false},
		{"hunter2", false},
		{strings.ToUpper(HashPassword("hunter2")), false},
	}

	for _, tt := range tests {
		if got := login(tt.digest); got != tt.want {
			t.Errorf("login(%q) = %v, want %v", tt.digest, got, tt.want)
		}
	}
}

func TestBcryptLogin(t *testing.T) {
	hash, err := GenerateBcrypt("hunter2", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateBcrypt failed: %v", err)
	}

	login, err := BcryptLogin(hash, 4)
	if err != nil {
		t.Fatalf("BcryptLogin failed: %v", err)
	}

	digest := HashPassword("hunter2")
	for i := 0; i < 3; i++ {
		if !login(digest) {
			t.Fatalf("attempt %d: correct digest rejected", i)
		}
	}
	if login(HashPassword("wrong")) {
		t.Error("wrong digest accepted")
	}
}

func TestBcryptLoginRemembersRejections(t *testing.T) {
	hash, err := GenerateBcrypt("hunter2", bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("GenerateBcrypt failed: %v", err)
	}
	login, err := BcryptLogin(hash, 4)
	if err != nil {
		t.Fatalf("BcryptLogin failed: %v", err)
	}

	wrong := HashPassword("wrong")
	start := time.Now()
	if login(wrong) {
		t.Fatal("wrong digest accepted")
	}
	first := time.Since(start)

	// Twenty repeats must cost less than the one bcrypt comparison.
	start = time.Now()
	for i := 0; i < 20; i++ {
		if login(wrong) {
			t.Fatalf("attempt %d: wrong digest accepted", i)
		}
	}
	if repeats := time.Since(start); repeats >= first {
		t.Errorf("20 repeated rejections took %v, one comparison took %v", repeats, first)
	}

	if !login(HashPassword("hunter2")) {
		t.Error("correct digest rejected after cached rejections")
	}
}

func TestBcryptLoginInvalidHash(t *testing.T) {
	if _, err := BcryptLogin([]byte("not a bcrypt hash"), 0); err == nil {
		t.Error("expected error for invalid bcrypt hash")
	}
}
