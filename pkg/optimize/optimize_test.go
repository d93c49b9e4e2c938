package optimize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1500)
	assert.Equal(t, 1500, pool.Size())

	buf := pool.Get()
	assert.Len(t, buf, 1500)

	pool.Put(buf[:10])
	assert.Len(t, pool.Get(), 1500)

	// undersized slices are not pooled
	pool.Put(make([]byte, 10))
	assert.Len(t, pool.Get(), 1500)
}
