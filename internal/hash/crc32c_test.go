package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32C(t *testing.T) {
	// Known answer for the Castagnoli polynomial.
	assert.Equal(t, uint32(0xe3069283), CRC32C([]byte("123456789")))
	assert.Equal(t, uint32(0), CRC32C(nil))
}

func TestUpdateMatchesOneShot(t *testing.T) {
	data := []byte("knowledge graph embedding trace")
	sum := Update(0, data[:7])
	sum = Update(sum, data[7:])
	assert.Equal(t, CRC32C(data), sum)

	h := NewCRC32C()
	_, _ = h.Write(data[:3])
	_, _ = h.Write(data[3:])
	assert.Equal(t, CRC32C(data), h.Sum32())
}
