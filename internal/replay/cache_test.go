package replay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fp(b byte) Fingerprint {
	return Fingerprint{b}
}

func TestSeenAfterRemember(t *testing.T) {
	c := New(4)
	require.False(t, c.Seen(fp(1)))
	c.Remember(fp(1))
	require.True(t, c.Seen(fp(1)))
	require.False(t, c.Seen(fp(2)))
}

func TestEvictsOldest(t *testing.T) {
	c := New(3)
	for i := byte(1); i <= 3; i++ {
		c.Remember(fp(i))
	}
	require.Equal(t, 3, c.Len())
	c.Remember(fp(4))
	require.False(t, c.Seen(fp(1)))
	for i := byte(2); i <= 4; i++ {
		require.True(t, c.Seen(fp(i)), "fingerprint %d", i)
	}
	require.Equal(t, 3, c.Len())
}

func TestDuplicateEntriesSurvivePartialEviction(t *testing.T) {
	c := New(2)
	c.Remember(fp(1))
	c.Remember(fp(1))
	c.Remember(fp(2))
	// one copy of fp(1) was evicted, the other still sits in the ring
	require.True(t, c.Seen(fp(1)))
	c.Remember(fp(3))
	require.False(t, c.Seen(fp(1)))
}

func TestCheck(t *testing.T) {
	c := New(8)
	require.False(t, c.Check(fp(9)))
	require.True(t, c.Check(fp(9)))
}

func TestFingerprints(t *testing.T) {
	require.Equal(t, Hash([]byte("abc")), Hash([]byte("abc")))
	require.NotEqual(t, Hash([]byte("abc")), Hash([]byte("abd")))
	require.NotEqual(t, MessageKey(1, 7), MessageKey(2, 7))
	require.Equal(t, MessageKey(1, 7), MessageKey(1, 7))
}

func TestNilCache(t *testing.T) {
	var c *Cache
	c.Remember(fp(1))
	require.False(t, c.Seen(fp(1)))
	require.False(t, c.Check(fp(1)))
}
