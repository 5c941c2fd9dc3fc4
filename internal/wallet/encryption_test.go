package wallet

import (
	"bytes"
	"testing"
)

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64, // 64 KiB (minimal)
		Iterations:  1,
		Parallelism: 1,
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	plaintext := []byte("secret wallet data")
	password := []byte("strong-password-123")

	encrypted, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	decrypted, err := Decrypt(encrypted, password)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestEncrypt_VersionTag(t *testing.T) {
	encrypted, err := Encrypt([]byte("data"), []byte("pass"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if encrypted[0] != encryptionVersion {
		t.Errorf("version byte = %d, want %d", encrypted[0], encryptionVersion)
	}

	// An unknown version must be rejected before any key derivation.
	encrypted[0] = 99
	if _, err := Decrypt(encrypted, []byte("pass")); err == nil {
		t.Error("Decrypt accepted an unknown format version")
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	encrypted, err := Encrypt([]byte("secret data"), []byte("correct"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if _, err := Decrypt(encrypted, []byte("wrong")); err == nil {
		t.Error("Decrypt with wrong password should fail")
	}
}

func TestDecrypt_TruncatedData(t *testing.T) {
	if _, err := Decrypt([]byte("too short"), []byte("pass")); err == nil {
		t.Error("Decrypt with truncated data should fail")
	}
}

func TestDecrypt_CorruptedCiphertext(t *testing.T) {
	encrypted, err := Encrypt([]byte("data"), []byte("pass"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Corrupt the last byte (part of auth tag)
	encrypted[len(encrypted)-1] ^= 0xFF

	if _, err := Decrypt(encrypted, []byte("pass")); err == nil {
		t.Error("Decrypt with corrupted ciphertext should fail")
	}
}

func TestEncrypt_DifferentEachTime(t *testing.T) {
	plaintext := []byte("same data")
	password := []byte("same pass")

	enc1, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	enc2, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	if bytes.Equal(enc1, enc2) {
		t.Error("encrypting same data twice should produce different output (random salt/nonce)")
	}

	// Both should still decrypt correctly
	d1, _ := Decrypt(enc1, password)
	d2, _ := Decrypt(enc2, password)
	if !bytes.Equal(d1, plaintext) || !bytes.Equal(d2, plaintext) {
		t.Error("both encryptions should decrypt to same plaintext")
	}
}

func TestEncrypt_OutputFormat(t *testing.T) {
	plaintext := []byte("test")
	encrypted, err := Encrypt(plaintext, []byte("pass"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// version(1) + salt(32) + params(9) + nonce(24) + ciphertext + tag(16)
	expectedMin := headerSize + 24 + len(plaintext) + 16
	if len(encrypted) < expectedMin {
		t.Errorf("encrypted length = %d, want >= %d", len(encrypted), expectedMin)
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.Memory != 64*1024 {
		t.Errorf("Memory = %d, want %d", p.Memory, 64*1024)
	}
	if p.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", p.Iterations)
	}
	if p.Parallelism != 4 {
		t.Errorf("Parallelism = %d, want 4", p.Parallelism)
	}
}

func TestEncryptDecrypt_WalletSeed(t *testing.T) {
	// Realistic scenario: encrypt a 64-byte seed
	mnemonic := "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	seed, err := SeedFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic() error: %v", err)
	}

	password := []byte("wallet-password-2026!")
	encrypted, err := Encrypt(seed, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	decrypted, err := Decrypt(encrypted, password)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}

	if !bytes.Equal(decrypted, seed) {
		t.Error("decrypted seed does not match original")
	}
}
