package transports

import (
	"bytes"
	"testing"

	"github.com/Cogni-Robot/st3215/protocol"
)

func readAll(b *SimBus) []byte {
	buf := make([]byte, 512)
	n, _ := b.Read(buf)
	return buf[:n]
}

func TestSimBus_Ping(t *testing.T) {
	b := NewSimBus(1)

	b.Write(protocol.Encode(protocol.PingFrame(1)))
	want := []byte{0xFF, 0xFF, 0x01, 0x02, 0x00, 0xFC}
	if got := readAll(b); !bytes.Equal(got, want) {
		t.Errorf("reply: got % X, want % X", got, want)
	}

	b.Write(protocol.Encode(protocol.PingFrame(2)))
	if got := readAll(b); len(got) != 0 {
		t.Errorf("absent servo replied: % X", got)
	}
}

func TestSimBus_ReadPosition(t *testing.T) {
	b := NewSimBus(1)

	b.Write(protocol.Encode(protocol.ReadFrame(1, 56, 2)))
	want := []byte{0xFF, 0xFF, 0x01, 0x04, 0x00, 0x00, 0x08, 0xF2}
	if got := readAll(b); !bytes.Equal(got, want) {
		t.Errorf("reply: got % X, want % X", got, want)
	}
}

func TestSimBus_BroadcastPingAnswersAscending(t *testing.T) {
	b := NewSimBus(7, 2)

	b.Write(protocol.Encode(protocol.PingFrame(protocol.BroadcastID)))
	frames, _ := protocol.DecodeAll(readAll(b))
	if len(frames) != 2 || frames[0].ID != 2 || frames[1].ID != 7 {
		t.Errorf("replies: got %v", frames)
	}
}

func TestSimBus_DropAndCorrupt(t *testing.T) {
	b := NewSimBus(1)

	b.DropNext = 1
	b.Write(protocol.Encode(protocol.PingFrame(1)))
	if got := readAll(b); len(got) != 0 {
		t.Errorf("dropped request answered: % X", got)
	}

	b.CorruptNext = 1
	b.Write(protocol.Encode(protocol.PingFrame(1)))
	if _, _, err := protocol.Decode(readAll(b)); !protocol.IsChecksumMismatch(err) {
		t.Errorf("expected checksum mismatch, got %v", err)
	}
}

func TestSimBus_ChangeID(t *testing.T) {
	b := NewSimBus(1)

	b.Write(protocol.Encode(protocol.WriteFrame(1, 5, []byte{4})))
	frames, _ := protocol.DecodeAll(readAll(b))
	if len(frames) != 1 || frames[0].ID != 4 {
		t.Fatalf("ack: got %v, want one frame from id 4", frames)
	}
	if b.Servo(1) != nil || b.Servo(4) == nil {
		t.Errorf("ids after change: %v", b.IDs())
	}
}

func TestSimBus_FlushDiscardsPendingReplies(t *testing.T) {
	b := NewSimBus(1)

	b.Write(protocol.Encode(protocol.PingFrame(1)))
	b.Flush()
	if got := readAll(b); len(got) != 0 {
		t.Errorf("reply survived flush: % X", got)
	}
}
