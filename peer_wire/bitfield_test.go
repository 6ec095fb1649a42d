package peer_wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBitFieldMSBFirst(t *testing.T) {
	bf := NewBitField(10)
	assert.Len(t, bf, 2)
	bf.SetPiece(0)
	assert.Equal(t, byte(0x80), bf[0])
	bf.SetPiece(9)
	assert.Equal(t, byte(0x40), bf[1])
	assert.True(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(1))
	assert.Equal(t, 2, bf.BitsSet())
}

func TestBitFieldValid(t *testing.T) {
	bf := NewBitField(10)
	bf.SetPiece(3)
	assert.True(t, bf.Valid(10))
	assert.False(t, bf.Valid(17)) //wrong byte length
	//spare bit past the last piece
	bf[1] |= 0x01
	assert.False(t, bf.Valid(10))
	assert.True(t, bf.LengthValid(10))
}

func TestBitFieldOutOfRangeRead(t *testing.T) {
	bf := NewBitField(8)
	assert.False(t, bf.HasPiece(100))
}
