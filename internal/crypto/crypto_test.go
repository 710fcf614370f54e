package crypto

import (
	"bytes"
	"sync"
	"testing"
)

func TestGenerateEphemeralKeypair(t *testing.T) {
	priv1, pub1, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	if priv1 == zeroKey {
		t.Error("private key is zero")
	}
	if pub1 == zeroKey {
		t.Error("public key is zero")
	}

	priv2, pub2, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() second call error = %v", err)
	}

	if priv1 == priv2 {
		t.Error("two generated private keys are identical")
	}
	if pub1 == pub2 {
		t.Error("two generated public keys are identical")
	}
}

func TestComputeECDH(t *testing.T) {
	privA, pubA, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() A error = %v", err)
	}

	privB, pubB, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() B error = %v", err)
	}

	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH(A, pubB) error = %v", err)
	}

	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH(B, pubA) error = %v", err)
	}

	if secretA != secretB {
		t.Error("shared secrets do not match")
	}

	var zeroKey [KeySize]byte
	if secretA == zeroKey {
		t.Error("shared secret is zero")
	}
}

func TestComputeECDH_ZeroKey(t *testing.T) {
	priv, _, err := GenerateEphemeralKeypair()
	if err != nil {
		t.Fatalf("GenerateEphemeralKeypair() error = %v", err)
	}

	var zeroKey [KeySize]byte
	_, err = ComputeECDH(priv, zeroKey)
	if err == nil {
		t.Error("ComputeECDH with zero public key should fail")
	}
}

func sharedSecretPair(t *testing.T) (a, b [KeySize]byte) {
	t.Helper()
	privA, pubA, _ := GenerateEphemeralKeypair()
	privB, pubB, _ := GenerateEphemeralKeypair()

	secretA, err := ComputeECDH(privA, pubB)
	if err != nil {
		t.Fatalf("ComputeECDH A: %v", err)
	}
	secretB, err := ComputeECDH(privB, pubA)
	if err != nil {
		t.Fatalf("ComputeECDH B: %v", err)
	}
	return secretA, secretB
}

func TestDeriveSessionKey_SameTokenMatches(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)

	skA, err := DeriveSessionKey(secretA, "ocean-forest")
	if err != nil {
		t.Fatalf("DeriveSessionKey A: %v", err)
	}
	skB, err := DeriveSessionKey(secretB, "ocean-forest")
	if err != nil {
		t.Fatalf("DeriveSessionKey B: %v", err)
	}

	if skA.key != skB.key {
		t.Error("derived session keys do not match for same shared secret and token")
	}
}

func TestDeriveSessionKey_DifferentTokenDiffers(t *testing.T) {
	secret, _ := sharedSecretPair(t)

	sk1, _ := DeriveSessionKey(secret, "ocean-forest")
	sk2, _ := DeriveSessionKey(secret, "river-valley")

	if sk1.key == sk2.key {
		t.Error("different tokens should derive different session keys")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)

	skA, _ := DeriveSessionKey(secretA, "shared-token")
	skB, _ := DeriveSessionKey(secretB, "shared-token")

	plaintext := []byte("Hello, World!")
	nonce, ciphertext, err := skA.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if len(ciphertext) != len(plaintext)+TagSize {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+TagSize)
	}

	if bytes.Equal(ciphertext[:len(plaintext)], plaintext) {
		t.Error("ciphertext contains plaintext (encryption did nothing)")
	}

	decrypted, err := skB.Decrypt(nonce, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptDecrypt_FreshNonceEachCall(t *testing.T) {
	secret, _ := sharedSecretPair(t)
	sk, _ := DeriveSessionKey(secret, "token")

	nonce1, _, _ := sk.Encrypt([]byte("a"))
	nonce2, _, _ := sk.Encrypt([]byte("a"))

	if nonce1 == nonce2 {
		t.Error("two successive encryptions produced the same nonce")
	}
}

func TestEncryptDecrypt_MultipleMessages(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)
	skA, _ := DeriveSessionKey(secretA, "token")
	skB, _ := DeriveSessionKey(secretB, "token")

	messages := []string{
		"First message",
		"Second message",
		"Third message with more content",
		"",
		string(make([]byte, 16000)),
	}

	for i, msg := range messages {
		nonce, ct, err := skA.Encrypt([]byte(msg))
		if err != nil {
			t.Fatalf("Encrypt message %d error = %v", i, err)
		}

		dec, err := skB.Decrypt(nonce, ct)
		if err != nil {
			t.Fatalf("Decrypt message %d error = %v", i, err)
		}

		if !bytes.Equal(dec, []byte(msg)) {
			t.Errorf("message %d: got len=%d, want len=%d", i, len(dec), len(msg))
		}
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)
	skA, _ := DeriveSessionKey(secretA, "token")
	skB, _ := DeriveSessionKey(secretB, "token")

	plaintext := []byte("Secret message")
	nonce, ciphertext, _ := skA.Encrypt(plaintext)

	ciphertext[2] ^= 0xFF

	_, err := skB.Decrypt(nonce, ciphertext)
	if err == nil {
		t.Error("Decrypt with tampered ciphertext should fail")
	}
}

func TestDecrypt_WrongNonce(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)
	skA, _ := DeriveSessionKey(secretA, "token")
	skB, _ := DeriveSessionKey(secretB, "token")

	plaintext := []byte("Secret message")
	nonce, ciphertext, _ := skA.Encrypt(plaintext)
	nonce[0] ^= 0xFF

	_, err := skB.Decrypt(nonce, ciphertext)
	if err == nil {
		t.Error("Decrypt with wrong nonce should fail")
	}
}

func TestDecrypt_WrongToken(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)
	skA, _ := DeriveSessionKey(secretA, "token-one")
	skB, _ := DeriveSessionKey(secretB, "token-two")

	plaintext := []byte("Secret message")
	nonce, ciphertext, _ := skA.Encrypt(plaintext)

	_, err := skB.Decrypt(nonce, ciphertext)
	if err == nil {
		t.Error("Decrypt with mismatched token-derived key should fail")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	ZeroBytes(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestZeroKey(t *testing.T) {
	key := [KeySize]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
		17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}
	ZeroKey(&key)

	var zeroKey [KeySize]byte
	if key != zeroKey {
		t.Error("key was not zeroed")
	}
}

func TestEncryptionOverhead(t *testing.T) {
	if EncryptionOverhead != NonceSize+TagSize {
		t.Errorf("EncryptionOverhead = %d, want %d", EncryptionOverhead, NonceSize+TagSize)
	}
	if EncryptionOverhead != 28 {
		t.Errorf("EncryptionOverhead = %d, want 28", EncryptionOverhead)
	}
}

func TestEncryptDecrypt_Concurrent(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)
	skA, _ := DeriveSessionKey(secretA, "token")
	skB, _ := DeriveSessionKey(secretB, "token")

	const n = 200
	type pair struct {
		nonce [NonceSize]byte
		ct    []byte
	}
	results := make(chan pair, n)
	errs := make(chan error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonce, ct, err := skA.Encrypt([]byte{byte(i)})
			if err != nil {
				errs <- err
				return
			}
			results <- pair{nonce, ct}
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Encrypt failed: %v", err)
	}

	for r := range results {
		if _, err := skB.Decrypt(r.nonce, r.ct); err != nil {
			t.Errorf("Decrypt failed for concurrently-encrypted message: %v", err)
		}
	}
}

func TestEncrypt_LargePayload(t *testing.T) {
	secretA, secretB := sharedSecretPair(t)
	skA, _ := DeriveSessionKey(secretA, "token")
	skB, _ := DeriveSessionKey(secretB, "token")

	sizes := []int{1024, 4096, 16384, 32768, 65536, 1024 * 1024}

	for _, size := range sizes {
		plaintext := make([]byte, size)
		for i := range plaintext {
			plaintext[i] = byte(i % 256)
		}

		nonce, ct, err := skA.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed at size %d: %v", size, err)
		}

		dec, err := skB.Decrypt(nonce, ct)
		if err != nil {
			t.Fatalf("Decrypt failed at size %d: %v", size, err)
		}

		if !bytes.Equal(dec, plaintext) {
			t.Errorf("payload mismatch at size %d", size)
		}
	}
}

func BenchmarkEncrypt(b *testing.B) {
	priv, pub, _ := GenerateEphemeralKeypair()
	secret, _ := ComputeECDH(priv, pub)
	sk, _ := DeriveSessionKey(secret, "bench-token")

	plaintext := make([]byte, 1400)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))

	for i := 0; i < b.N; i++ {
		_, _, _ = sk.Encrypt(plaintext)
	}
}

func BenchmarkDecrypt(b *testing.B) {
	priv, pub, _ := GenerateEphemeralKeypair()
	secret, _ := ComputeECDH(priv, pub)
	sk, _ := DeriveSessionKey(secret, "bench-token")

	plaintext := make([]byte, 1400)
	nonce, ct, _ := sk.Encrypt(plaintext)

	b.ResetTimer()
	b.SetBytes(int64(len(plaintext)))

	for i := 0; i < b.N; i++ {
		_, _ = sk.Decrypt(nonce, ct)
	}
}
