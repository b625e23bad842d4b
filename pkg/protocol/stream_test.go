package protocol

import (
	"errors"
	"testing"
)

func encodeAll(t *testing.T, msgs ...*Message) []byte {
	t.Helper()
	var stream []byte
	for _, m := range msgs {
		data, err := Encode(m, testKey)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		stream = append(stream, data...)
	}
	return stream
}

func TestFeedWholeStream(t *testing.T) {
	stream := encodeAll(t,
		testMessage(RPCResponse, []byte(`{"dps":{"102":"{\"id\":1,\"result\":[\"ok\"]}"},"t":1}`)),
		testMessage(PingResponse, nil),
		testMessage(RPCResponse, []byte(`{"dps":{"121":8},"t":2}`)),
	)

	d := NewDecoder(testKey)
	msgs, err := d.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("decoded %d messages, want 3", len(msgs))
	}
	if msgs[1].Protocol != PingResponse {
		t.Errorf("second message protocol = %v", msgs[1].Protocol)
	}
	if d.Buffered() != 0 {
		t.Errorf("%d bytes left buffered", d.Buffered())
	}
}

// Feeding a stream in chunks of any size must decode the same message
// sequence as feeding it whole.
func TestFeedChunkSizeIndependent(t *testing.T) {
	stream := encodeAll(t,
		testMessage(RPCResponse, []byte(`{"dps":{"102":"{\"id\":7}"},"t":1}`)),
		testMessage(HelloResponse, nil),
		testMessage(MapResponse, []byte("binary-ish map fragment payload")),
	)

	whole, err := NewDecoder(testKey).Feed(stream)
	if err != nil {
		t.Fatalf("whole feed: %v", err)
	}

	for chunkSize := 1; chunkSize <= len(stream); chunkSize++ {
		d := NewDecoder(testKey)
		var got []*Message
		for off := 0; off < len(stream); off += chunkSize {
			end := off + chunkSize
			if end > len(stream) {
				end = len(stream)
			}
			msgs, err := d.Feed(stream[off:end])
			if err != nil {
				t.Fatalf("chunk size %d: Feed: %v", chunkSize, err)
			}
			got = append(got, msgs...)
		}

		if len(got) != len(whole) {
			t.Fatalf("chunk size %d: decoded %d messages, want %d", chunkSize, len(got), len(whole))
		}
		for i := range got {
			if got[i].Seq != whole[i].Seq || got[i].Protocol != whole[i].Protocol ||
				string(got[i].Payload) != string(whole[i].Payload) {
				t.Fatalf("chunk size %d: message %d differs", chunkSize, i)
			}
		}
	}
}

func TestFeedPreservesTrailingPartial(t *testing.T) {
	first := encodeAll(t, testMessage(PingResponse, nil))
	second := encodeAll(t, testMessage(RPCResponse, []byte(`{"t":9}`)))

	d := NewDecoder(testKey)

	// First message plus half of the second.
	split := len(second) / 2
	msgs, err := d.Feed(append(append([]byte{}, first...), second[:split]...))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("decoded %d messages, want 1", len(msgs))
	}
	if d.Buffered() != split {
		t.Errorf("buffered %d bytes, want %d", d.Buffered(), split)
	}

	msgs, err = d.Feed(second[split:])
	if err != nil {
		t.Fatalf("Feed rest: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("decoded %d messages from remainder, want 1", len(msgs))
	}
	if string(msgs[0].Payload) != `{"t":9}` {
		t.Errorf("payload = %q", msgs[0].Payload)
	}
}

func TestFeedShortOfHeader(t *testing.T) {
	stream := encodeAll(t, testMessage(PingRequest, nil))

	d := NewDecoder(testKey)
	msgs, err := d.Feed(stream[:HeaderSize-5])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("decoded %d messages from partial header", len(msgs))
	}
}

func TestFeedCorruptStreamPoisons(t *testing.T) {
	good := encodeAll(t, testMessage(PingResponse, nil))
	bad := encodeAll(t, testMessage(RPCResponse, []byte(`{"t":1}`)))
	bad[len(bad)-2] ^= 0xFF

	d := NewDecoder(testKey)
	msgs, err := d.Feed(append(append([]byte{}, good...), bad...))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Feed = %v, want ErrDecode", err)
	}
	// The message decoded before the corruption is still delivered.
	if len(msgs) != 1 {
		t.Fatalf("decoded %d messages before corruption, want 1", len(msgs))
	}
}

func TestFeedGarbagePrefix(t *testing.T) {
	d := NewDecoder(testKey)
	_, err := d.Feed([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("Feed garbage = %v, want ErrDecode", err)
	}
}

func TestDecoderReset(t *testing.T) {
	stream := encodeAll(t, testMessage(PingRequest, nil))

	d := NewDecoder(testKey)
	if _, err := d.Feed(stream[:10]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	d.Reset()
	if d.Buffered() != 0 {
		t.Errorf("buffered %d bytes after reset", d.Buffered())
	}

	// A fresh complete message still decodes after reset.
	msgs, err := d.Feed(stream)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Feed after reset: %d msgs, err %v", len(msgs), err)
	}
}
