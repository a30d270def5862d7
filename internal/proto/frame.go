package proto

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// A frame is one mesh packet behind a little-endian length prefix, used on
// stream transports that emulate the radio.
const FrameHeaderSize = 2

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds radio packet size")
)

func EncodeFrame(packet []byte) ([]byte, error) {
	switch {
	case len(packet) == 0:
		return nil, ErrEmptyFrame
	case len(packet) > MaxPacketSize:
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, FrameHeaderSize, FrameHeaderSize+len(packet))
	binary.LittleEndian.PutUint16(out, uint16(len(packet)))
	return append(out, packet...), nil
}

// ReadFrame reads exactly one frame; the length is checked before the
// body is allocated.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	switch {
	case n == 0:
		return nil, ErrEmptyFrame
	case n > MaxPacketSize:
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", n)
	}
	packet := make([]byte, n)
	if _, err := io.ReadFull(r, packet); err != nil {
		return nil, errors.Wrap(err, "truncated frame")
	}
	return packet, nil
}

func WriteFrame(w io.Writer, packet []byte) error {
	frame, err := EncodeFrame(packet)
	if err != nil {
		return err
	}
	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		frame = frame[n:]
	}
	return nil
}
