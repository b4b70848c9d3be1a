package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("deal_")
	assert.True(t, strings.HasPrefix(id, "deal_"))
	assert.Len(t, id, len("deal_")+24)
	assert.NotEqual(t, id, WithPrefix("deal_"))
}

func TestNew_IsUUID(t *testing.T) {
	id := New()
	assert.True(t, IsUUID(id))
	assert.False(t, IsUUID("not-a-uuid"))
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
}
