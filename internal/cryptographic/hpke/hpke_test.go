package hpke

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	info := []byte("welcome")

	for _, size := range []int{0, 1, 31, 32, 1024, 64 * 1024, 1 << 20} {
		plaintext := bytes.Repeat([]byte{0xa5}, size)
		ct, err := Seal(pub, info, nil, plaintext)
		if err != nil {
			t.Fatalf("Seal(%d bytes): %v", size, err)
		}
		got, err := Open(priv, info, nil, ct)
		if err != nil {
			t.Fatalf("Open(%d bytes): %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Errorf("round trip of %d bytes returned %d different bytes", size, len(got))
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	_, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	otherPriv, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	ct, err := Seal(pub, []byte("info"), nil, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(otherPriv, []byte("info"), nil, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open with wrong key: err = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenWrongInfo(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	ct, err := Seal(pub, []byte("a"), nil, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := Open(priv, []byte("b"), nil, ct); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open with wrong info: err = %v, want ErrDecryptionFailed", err)
	}
}

func TestSealInvalidKey(t *testing.T) {
	if _, err := Seal([]byte{1, 2, 3}, nil, nil, []byte("x")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Seal with short key: err = %v, want ErrInvalidKey", err)
	}
}
