package idgen

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("evt_")
	if !strings.HasPrefix(id, "evt_") || len(id) != len("evt_")+24 {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestTxHash_Format(t *testing.T) {
	h := TxHash()
	if len(h) != 66 {
		t.Fatalf("expected 66 chars, got %d (%s)", len(h), h)
	}
	if _, err := hexutil.Decode(h); err != nil {
		t.Fatalf("not valid hex: %v", err)
	}
}

func TestTxHash_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		h := TxHash()
		if seen[h] {
			t.Fatalf("duplicate hash %s", h)
		}
		seen[h] = true
	}
}

func TestHex_Length(t *testing.T) {
	if got := Hex(8); len(got) != 16 {
		t.Fatalf("Hex(8) length = %d", len(got))
	}
}
