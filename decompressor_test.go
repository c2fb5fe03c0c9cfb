package susanoo

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zlib"
)

// zlibStreamWriter compresses messages the way the gateway does: one shared
// stream, each message flushed with the 00 00 FF FF sync marker.
type zlibStreamWriter struct {
	buf    bytes.Buffer
	writer *zlib.Writer
}

func newZlibStreamWriter() *zlibStreamWriter {
	w := &zlibStreamWriter{}
	w.writer = zlib.NewWriter(&w.buf)
	return w
}

func (w *zlibStreamWriter) message(t *testing.T, payload string) []byte {
	t.Helper()
	w.buf.Reset()
	if _, err := w.writer.Write([]byte(payload)); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.writer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	frame := make([]byte, w.buf.Len())
	copy(frame, w.buf.Bytes())
	return frame
}

func TestZlibStreamSingleMessage(t *testing.T) {
	t.Parallel()

	w := newZlibStreamWriter()
	z := newDecompressor(CompressionZlib)

	text, err := z.Decompress(w.message(t, `{"op":10}`))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if text != `{"op":10}` {
		t.Fatalf("got %q", text)
	}
}

func TestZlibStreamSplitFrames(t *testing.T) {
	t.Parallel()

	w := newZlibStreamWriter()
	z := newDecompressor(CompressionZlib)

	frame := w.message(t, `{"op":0,"t":"READY"}`)
	half := len(frame) / 2

	text, err := z.Decompress(frame[:half])
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if text != "" {
		t.Fatalf("message should be incomplete, got %q", text)
	}

	text, err = z.Decompress(frame[half:])
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if text != `{"op":0,"t":"READY"}` {
		t.Fatalf("got %q", text)
	}
}

func TestZlibStreamSequentialMessages(t *testing.T) {
	t.Parallel()

	w := newZlibStreamWriter()
	z := newDecompressor(CompressionZlib)

	// Later messages back-reference earlier output, so decoding must
	// carry the window across messages.
	first := `{"t":"MESSAGE_CREATE","d":{"content":"hello hello hello"}}`
	second := `{"t":"MESSAGE_CREATE","d":{"content":"hello again"}}`

	text, err := z.Decompress(w.message(t, first))
	if err != nil || text != first {
		t.Fatalf("first message: %q, %v", text, err)
	}

	text, err = z.Decompress(w.message(t, second))
	if err != nil || text != second {
		t.Fatalf("second message: %q, %v", text, err)
	}
}

func TestZlibStreamMalformedData(t *testing.T) {
	t.Parallel()

	z := newDecompressor(CompressionZlib)

	garbage := []byte{0x78, 0x9c, 0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0xFF, 0xFF}
	if _, err := z.Decompress(garbage); err == nil {
		t.Fatal("malformed stream must error")
	}
}

func TestZlibStreamResetStartsNewStream(t *testing.T) {
	t.Parallel()

	z := newDecompressor(CompressionZlib)

	w := newZlibStreamWriter()
	if _, err := z.Decompress(w.message(t, `{"op":10}`)); err != nil {
		t.Fatalf("first stream: %v", err)
	}

	// A reconnect starts a brand-new stream, header included.
	z.Reset()
	fresh := newZlibStreamWriter()
	text, err := z.Decompress(fresh.message(t, `{"op":10,"d":{}}`))
	if err != nil {
		t.Fatalf("after reset: %v", err)
	}
	if text != `{"op":10,"d":{}}` {
		t.Fatalf("got %q", text)
	}
}

func TestZlibStreamShutdown(t *testing.T) {
	t.Parallel()

	z := newDecompressor(CompressionZlib)
	z.Shutdown()

	if _, err := z.Decompress([]byte{0x00}); err == nil {
		t.Fatal("shut down decompressor must refuse input")
	}
}

func TestDecompressorKinds(t *testing.T) {
	t.Parallel()

	if kind := newDecompressor(CompressionZlib).Kind(); kind != CompressionZlib {
		t.Fatalf("kind = %q", kind)
	}

	plain := newDecompressor(CompressionNone)
	if kind := plain.Kind(); kind != CompressionNone {
		t.Fatalf("kind = %q", kind)
	}
	text, err := plain.Decompress([]byte(`{"op":11}`))
	if err != nil || text != `{"op":11}` {
		t.Fatalf("passthrough: %q, %v", text, err)
	}
}
