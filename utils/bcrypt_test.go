package utils

import (
	"strings"
	"testing"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	t.Setenv("BCRYPT_COST", "4")

	hashed, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := ComparePassword(string(hashed), "s3cret"); err != nil {
		t.Fatalf("ComparePassword rejected the original password: %v", err)
	}
	if err := ComparePassword(string(hashed), "wrong"); err == nil {
		t.Fatal("ComparePassword accepted a wrong password")
	}
}

func TestBcryptCostFromEnv(t *testing.T) {
	t.Setenv("BCRYPT_COST", "4")
	hashed, err := HashPassword("x")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	// The cost is encoded in the hash prefix: $2a$04$...
	if !strings.Contains(string(hashed), "$04$") {
		t.Fatalf("hash does not carry the configured cost: %s", hashed)
	}
}

func TestBcryptCostIgnoresInvalidValues(t *testing.T) {
	for _, v := range []string{"", "abc", "0", "99"} {
		t.Setenv("BCRYPT_COST", v)
		if got := bcryptCost(); got != 10 {
			t.Fatalf("BCRYPT_COST=%q: cost = %d, want default 10", v, got)
		}
	}
}
