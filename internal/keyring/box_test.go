package keyring

import (
	"bytes"
	"testing"
)

func TestBoxRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	dek := []byte("0123456789abcdef0123456789abcdef")

	ct, err := Box{}.Encrypt(pub, dek)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(ct, dek) {
		t.Fatalf("ciphertext leaks plaintext")
	}

	pt, err := Box{}.Decrypt(priv, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, dek) {
		t.Fatalf("round trip mismatch")
	}
}

func TestBoxWrongKeyFails(t *testing.T) {
	pub, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	_, otherPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := Box{}.Encrypt(pub, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (Box{}).Decrypt(otherPriv, ct); err == nil {
		t.Fatalf("decryption with the wrong key must fail")
	}
}

func TestBoxRejectsShortKeys(t *testing.T) {
	if _, err := (Box{}).Encrypt([]byte("short"), []byte("x")); err == nil {
		t.Fatalf("short public key must be rejected")
	}
	if _, err := (Box{}).Decrypt([]byte("short"), []byte("x")); err == nil {
		t.Fatalf("short private key must be rejected")
	}
}
