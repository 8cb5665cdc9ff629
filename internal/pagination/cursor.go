// Package pagination provides cursor-based pagination over append-only,
// index-ordered lists such as the escrow registry.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Cursor is the last position a page ended at. Key pins the item at that
// position so a cursor from one registry cannot silently page another.
type Cursor struct {
	Index int
	Key   common.Address
}

// Encode returns an opaque cursor string for the item at index.
func Encode(index int, key common.Address) string {
	raw := fmt.Sprintf("%d|%s", index, key.Hex())
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor")
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || !common.IsHexAddress(parts[1]) {
		return nil, fmt.Errorf("invalid cursor")
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil || index < 0 {
		return nil, fmt.Errorf("invalid cursor")
	}
	return &Cursor{
		Index: index,
		Key:   common.HexToAddress(parts[1]),
	}, nil
}

// Start returns the first index a page after c should include.
func (c *Cursor) Start() int {
	if c == nil {
		return 0
	}
	return c.Index + 1
}

// ComputePage takes a slice of items (fetched with limit+1), the requested limit,
// and a function to extract (index, key) from the last item.
// Returns the trimmed items, next cursor, and has_more flag.
func ComputePage[T any](items []T, limit int, extractKey func(T) (int, common.Address)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	index, key := extractKey(items[len(items)-1])
	return items, Encode(index, key), true
}
