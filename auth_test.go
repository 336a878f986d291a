package pgfinch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDigestMD5(t *testing.T) {
	assert.Equal(t,
		"md56478b3003505cc2b7c3cf5b2e47288ef",
		digestMD5("secret", "jack", []byte{0x01, 0x02, 0x03, 0x04}))
	assert.Equal(t,
		"md58847f0c2edd026db8e5d68b05c5e2238",
		digestMD5("pencil", "user", []byte{0xaa, 0xbb, 0xcc, 0xdd}))
}

func TestDigestMD5SaltChangesDigest(t *testing.T) {
	a := digestMD5("secret", "jack", []byte{0x01, 0x02, 0x03, 0x04})
	b := digestMD5("secret", "jack", []byte{0x04, 0x03, 0x02, 0x01})
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 35)
	assert.Equal(t, "md5", a[:3])
}
