package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "deal_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "deal_abc123", cursor.ID)
}

func TestDecode_EmptyAndInvalid(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)

	_, err = Decode("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// A sequence cursor is not a time cursor.
	_, err = Decode(EncodeSeq(7))
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestSeqCursor(t *testing.T) {
	seq, err := DecodeSeq(EncodeSeq(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	seq, err = DecodeSeq("")
	require.NoError(t, err)
	assert.Zero(t, seq)

	_, err = DecodeSeq(Encode(time.Now(), "x"))
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, Limit(""))
	assert.Equal(t, DefaultLimit, Limit("-3"))
	assert.Equal(t, 10, Limit("10"))
	assert.Equal(t, MaxLimit, Limit("10000"))
}

func TestComputePage(t *testing.T) {
	type item struct {
		id string
		at time.Time
	}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []item{{"a", base}, {"b", base.Add(-time.Minute)}, {"c", base.Add(-2 * time.Minute)}}

	page, next, more := ComputePage(items, 2, func(i item) (time.Time, string) { return i.at, i.id })
	assert.Len(t, page, 2)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)

	page, next, more = ComputePage(items, 5, func(i item) (time.Time, string) { return i.at, i.id })
	assert.Len(t, page, 3)
	assert.False(t, more)
	assert.Empty(t, next)
}

func TestComputeSeqPage(t *testing.T) {
	page, next, more := ComputeSeqPage([]int64{9, 8, 7}, 2, func(s int64) int64 { return s })
	assert.Equal(t, []int64{9, 8}, page)
	assert.True(t, more)
	seq, _ := DecodeSeq(next)
	assert.Equal(t, int64(8), seq)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, DefaultLimit, Clamp(0))
	assert.Equal(t, DefaultLimit, Clamp(-3))
	assert.Equal(t, 7, Clamp(7))
	assert.Equal(t, MaxLimit, Clamp(MaxLimit+1))
}
