package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestCRCRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		n := rng.Intn(300)
		buf := make([]byte, n)
		rng.Read(buf)

		withCRC := AppendCRC(buf)
		res, err := ExtractVerify(withCRC)
		if err != nil {
			t.Fatalf("ExtractVerify error: %v", err)
		}
		if !res.Valid {
			t.Fatalf("expected valid CRC for %d-byte buffer", n)
		}
		if !bytes.Equal(res.Data, buf) {
			t.Fatalf("extracted data mismatch")
		}
	}
}

func TestCRCDetectsCorruption(t *testing.T) {
	data := []byte("the quick brown fox")
	crc := Calc(data)
	if !Verify(data, crc) {
		t.Fatalf("Verify failed on uncorrupted data")
	}
	if Verify(data, crc^0x0001) {
		t.Fatalf("Verify should fail when CRC is corrupted")
	}
	mutated := append([]byte(nil), data...)
	mutated[0] ^= 0x01
	if Verify(mutated, crc) {
		t.Fatalf("Verify should fail when data is corrupted")
	}
}

func TestExtractVerifyShortBuffer(t *testing.T) {
	if _, err := ExtractVerify([]byte{0x01}); err != ErrCRCShort {
		t.Fatalf("expected ErrCRCShort, got %v", err)
	}
}
