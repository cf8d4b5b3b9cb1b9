package vault

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("thisis32byteslongsecretkey123456") // 32 bytes for AES-256
	plaintext := []byte(`{"version":1,"registry":[]}`)

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	if ciphertext == string(plaintext) {
		t.Fatal("Ciphertext should not be equal to plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decryption failed: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Expected %s, got %s", plaintext, decrypted)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	key1 := []byte("thisis32byteslongsecretkey123456")
	key2 := []byte("another32byteslongsecretkey65432")

	ciphertext, err := Encrypt([]byte("Secret message"), key1)
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}

	_, err = Decrypt(ciphertext, key2)
	if err == nil {
		t.Fatal("Decryption should have failed with wrong key")
	}
}

func TestInvalidKeySize(t *testing.T) {
	invalidKey := []byte("shortkey")

	_, err := Encrypt([]byte("test"), invalidKey)
	if err == nil {
		t.Fatal("Encryption should fail with invalid key size")
	}

	_, err = Decrypt("0123456789abcdef", invalidKey)
	if err == nil {
		t.Fatal("Decryption should fail with invalid key size")
	}
}

func TestParseKey(t *testing.T) {
	hexKey := strings.Repeat("ab", KeySize)
	key, err := ParseKey(hexKey)
	if err != nil {
		t.Fatalf("ParseKey(hex) failed: %v", err)
	}
	if len(key) != KeySize || key[0] != 0xab {
		t.Errorf("Unexpected hex key %x", key)
	}

	raw := "thisis32byteslongsecretkey123456"
	key, err = ParseKey(raw)
	if err != nil {
		t.Fatalf("ParseKey(raw) failed: %v", err)
	}
	if string(key) != raw {
		t.Errorf("Expected raw key to be kept, got %q", key)
	}

	if _, err := ParseKey("too-short"); err == nil {
		t.Fatal("ParseKey should reject short keys")
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert("naming.internal", "10.0.0.7")
	if err != nil {
		t.Fatalf("Failed to generate self-signed cert: %v", err)
	}

	if len(cert.Certificate) == 0 {
		t.Fatal("Generated certificate is empty")
	}

	if cert.PrivateKey == nil {
		t.Fatal("Generated private key is nil")
	}
}

func TestDecryptMalformedHex(t *testing.T) {
	key := []byte("thisis32byteslongsecretkey123456")
	_, err := Decrypt("not-hex", key)
	if err == nil {
		t.Fatal("Decryption should fail with malformed hex")
	}
}

func TestDecryptTooShort(t *testing.T) {
	key := []byte("thisis32byteslongsecretkey123456")
	// AES-GCM nonce is 12 bytes, so 3 bytes of ciphertext are too short.
	_, err := Decrypt("abcdef", key)
	if err == nil {
		t.Fatal("Decryption should fail with too short ciphertext")
	}
}
