package proto_test

import (
	"bytes"
	"testing"

	"meshledger/internal/proto"
	"meshledger/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{1, 0, 3})
	f.Add([]byte{5, 0, 1, 2, 3, 4, 5})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			_, _ = proto.ReadFrame(bytes.NewReader(data))
		})
	})
}

func FuzzDecodePacket(f *testing.F) {
	seed, _ := proto.EncodePacket(proto.Header{Src: 1, Dst: proto.Broadcast, TTL: proto.DefaultTTL}, proto.Heartbeat{Summary: proto.Summary{LastLamport: 3, TxCount: 2}})
	f.Add(seed)
	f.Add([]byte{byte(proto.MsgRangeResponse), 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0xFF, 0xFF})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, 2*proto.MaxPacketSize)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			p, err := proto.DecodePacket(data)
			if err != nil {
				return
			}
			if _, err := proto.EncodePacket(p.Header, p.Payload); err != nil {
				t.Fatalf("re-encode decoded packet: %v", err)
			}
		})
	})
}
