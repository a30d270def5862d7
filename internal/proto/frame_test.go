package proto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCarriesPackets(t *testing.T) {
	first, err := EncodePacket(Header{Src: 1, Dst: Broadcast, TTL: DefaultTTL}, SummaryRequest{})
	require.NoError(t, err)
	second, err := EncodePacket(Header{Src: 2, Dst: 1, TTL: 1, MsgID: 9}, Heartbeat{Summary: Summary{LastLamport: 4, TxCount: 2}})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, first))
	require.NoError(t, WriteFrame(&buf, second))
	assert.Equal(t, 2*FrameHeaderSize+len(first)+len(second), buf.Len())

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestFrameBounds(t *testing.T) {
	_, err := EncodeFrame(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)
	_, err = EncodeFrame(make([]byte, MaxPacketSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, ErrEmptyFrame)
	_, err = ReadFrame(bytes.NewReader([]byte{0xFF, 0x00}))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	_, err = ReadFrame(bytes.NewReader([]byte{5, 0, 1, 2}))
	assert.Error(t, err)
}
