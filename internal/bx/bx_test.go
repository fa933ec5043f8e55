package bx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLittleEndianReadWrite(t *testing.T) {
	{
		b := make([]byte, 2)
		var v uint16 = 0x1234
		PutU16(b, v)
		assert.Equal(t, []byte{0x34, 0x12}, b)
		assert.Equal(t, v, U16(b))
	}
	{
		b := make([]byte, 4)
		var v uint32 = 0x01020304
		PutU32(b, v)
		assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b)
		assert.Equal(t, v, U32(b))
	}
	{
		b := make([]byte, 8)
		var v uint64 = 0x0102030405060708
		PutU64(b, v)
		assert.Equal(t, v, U64(b))
	}
}

func TestAtHelpers(t *testing.T) {
	buf := make([]byte, 16)
	PutU32At(buf, 4, 0xDEADBEEF)
	assert.Equal(t, uint32(0xDEADBEEF), U32At(buf, 4))
	PutU64At(buf, 8, 0x1122334455667788)
	assert.Equal(t, uint64(0x1122334455667788), U64At(buf, 8))
}

func TestSignedRoundtrip(t *testing.T) {
	b := make([]byte, 8)
	PutI64(b, -12345)
	assert.Equal(t, int64(-12345), I64(b))
}
