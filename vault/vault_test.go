package vault

import (
	"bytes"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestRoundTrip_RandomByteStrings(t *testing.T) {
	v, err := New("test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 1000; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(256))
		if err != nil {
			t.Fatalf("rand.Int: %v", err)
		}
		plaintext := make([]byte, n.Int64())
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}

		blob, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := v.Decrypt(blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch at iteration %d", i)
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	v, _ := New("test-secret")
	a, err := v.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := v.EncryptString("same plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical blobs")
	}
}

func TestEncrypt_BlobIsVersioned(t *testing.T) {
	v, _ := New("test-secret")
	blob, err := v.EncryptString("sk-secret-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(blob, "v1:") {
		t.Fatalf("blob missing version prefix: %q", blob)
	}
	if got := strings.Count(blob, ":"); got != 3 {
		t.Fatalf("expected v1:iv:tag:ct (3 separators), got %d in %q", got, blob)
	}
	if strings.Contains(blob, "sk-secret-key") {
		t.Fatal("blob contains plaintext")
	}
}

func TestDecrypt_LegacyUnversionedBlob(t *testing.T) {
	v, _ := New("test-secret")
	blob, err := v.EncryptString("legacy key material")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Legacy writers stored the same triplet without the version prefix.
	legacy := strings.TrimPrefix(blob, "v1:")
	got, err := v.DecryptString(legacy)
	if err != nil {
		t.Fatalf("Decrypt legacy blob: %v", err)
	}
	if got != "legacy key material" {
		t.Fatalf("legacy decrypt mismatch: %q", got)
	}
}

func TestDecrypt_MalformedBlobsReturnCredentialError(t *testing.T) {
	v, _ := New("test-secret")
	cases := []string{
		"",
		"not a blob",
		"v1:onlytwo:parts",
		"zz:zz:zz",
		"v1:0011:0011:0011",
	}
	for _, blob := range cases {
		if _, err := v.Decrypt(blob); !errors.Is(err, ErrCredential) {
			t.Fatalf("Decrypt(%q) expected ErrCredential, got %v", blob, err)
		}
	}
}

func TestDecrypt_TamperedCiphertextFailsAuthentication(t *testing.T) {
	v, _ := New("test-secret")
	blob, _ := v.EncryptString("api key")
	parts := strings.Split(blob, ":")
	// Flip one nibble of the ciphertext.
	ct := parts[3]
	if ct[0] == '0' {
		ct = "1" + ct[1:]
	} else {
		ct = "0" + ct[1:]
	}
	parts[3] = ct
	if _, err := v.Decrypt(strings.Join(parts, ":")); !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential for tampered blob, got %v", err)
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	v1, _ := New("secret-one")
	v2, _ := New("secret-two")
	blob, _ := v1.EncryptString("api key")
	if _, err := v2.Decrypt(blob); !errors.Is(err, ErrCredential) {
		t.Fatalf("expected ErrCredential with wrong key, got %v", err)
	}
}

func TestNew_EmptySecretRejected(t *testing.T) {
	if _, err := New("   "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
