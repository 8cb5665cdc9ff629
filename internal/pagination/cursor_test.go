package pagination

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = common.HexToAddress("0x00000000000000000000000000000000000000f1")

func TestEncodeDecode_RoundTrip(t *testing.T) {
	encoded := Encode(7, key)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, 7, cursor.Index)
	assert.Equal(t, key, cursor.Key)
	assert.Equal(t, 8, cursor.Start())
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
	assert.Equal(t, 0, cursor.Start())
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cursor")
}

func TestDecode_MalformedPayload(t *testing.T) {
	// Valid base64 but no | separator
	_, err := Decode("bm9waXBl") // "nopipe"
	assert.Error(t, err)
}

func TestComputePage_NoMore(t *testing.T) {
	items := []int{0, 1, 2}
	result, cursor, hasMore := ComputePage(items, 5, func(i int) (int, common.Address) {
		return i, key
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []int{0, 1, 2, 3}
	result, cursor, hasMore := ComputePage(items, 3, func(i int) (int, common.Address) {
		return i, key
	})
	assert.Equal(t, 3, len(result))
	assert.NotEmpty(t, cursor)
	assert.True(t, hasMore)

	// Verify cursor decodes to the last item
	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Index)
	assert.Equal(t, 3, c.Start())
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []int{0, 1, 2}
	result, cursor, hasMore := ComputePage(items, 3, func(i int) (int, common.Address) {
		return i, key
	})
	assert.Equal(t, 3, len(result))
	assert.Empty(t, cursor)
	assert.False(t, hasMore)
}
