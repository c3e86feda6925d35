package signedreq

import "testing"

func TestSystemSignVerify(t *testing.T) {
	k := NewKey([]byte("top-secret"))
	sig := k.SystemSign(1, 1000, []byte("payload"))

	buf := append([]byte("payload"), mustUint64Bytes(1)...)
	buf = append(buf, mustUint64Bytes(1000)...)
	if !k.Verify(buf, sig) {
		t.Fatal("expected signature to verify")
	}

	otherKey := NewKey([]byte("different"))
	if otherKey.Verify(buf, sig) {
		t.Fatal("signature should not verify under a different key")
	}
}

func TestSessionTokenSharedSecretDeterministic(t *testing.T) {
	k := NewKey([]byte("top-secret"))
	tok := NewSessionToken(k, 42, 7, 12345)

	s1 := tok.SharedSecret(k)
	s2 := tok.SharedSecret(k)
	if s1 != s2 {
		t.Fatal("shared secret derivation must be deterministic")
	}

	sig1 := tok.SignWithSession(k, 99999)
	sig2 := tok.SignWithSession(k, 99999)
	if sig1 != sig2 {
		t.Fatal("session signature must be deterministic for identical inputs")
	}

	sig3 := tok.SignWithSession(k, 100000)
	if sig1 == sig3 {
		t.Fatal("session signature must differ across request timestamps")
	}
}

func TestAbsDiffMillis(t *testing.T) {
	if got := AbsDiffMillis(100, 40); got != 60 {
		t.Fatalf("AbsDiffMillis(100,40) = %d, want 60", got)
	}
	if got := AbsDiffMillis(40, 100); got != 60 {
		t.Fatalf("AbsDiffMillis(40,100) = %d, want 60", got)
	}
}

func TestEncodeDecodeBlobRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x02, 0xff, 0x00}
	blob := EncodeBlob(raw)
	got, err := DecodeBlob(blob)
	if err != nil {
		t.Fatalf("DecodeBlob: %v", err)
	}
	if string(got) != string(raw) {
		t.Fatalf("round trip mismatch: got %x want %x", got, raw)
	}
}

func TestDecodeBlobInvalidHex(t *testing.T) {
	if _, err := DecodeBlob("not-hex!!"); err == nil {
		t.Fatal("expected error for invalid hex")
	}
}

func mustUint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
	return b
}
