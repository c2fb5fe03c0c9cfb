package susanoo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Decompressor turns inbound socket frames into complete JSON texts. The
// zlib-stream codec buffers frames until the sync-flush suffix arrives, so
// Decompress returns "" with a nil error while a message is still partial.
type Decompressor interface {
	Decompress(frame []byte) (string, error)
	Reset()
	Shutdown()
	Kind() string
}

var errDecompressorClosed = errors.New("decompressor is shut down")

func newDecompressor(kind string) Decompressor {
	if kind == CompressionZlib {
		return &zlibStream{}
	}
	return noopDecompressor{}
}

// noopDecompressor passes text frames through untouched.
type noopDecompressor struct{}

func (noopDecompressor) Decompress(frame []byte) (string, error) { return string(frame), nil }
func (noopDecompressor) Reset()                                  {}
func (noopDecompressor) Shutdown()                               {}
func (noopDecompressor) Kind() string                            { return CompressionNone }

// flateWindow is the deflate back-reference window carried between messages.
const flateWindow = 32 * 1024

// zlibStream inflates the gateway's shared zlib stream. Every message ends
// with an empty stored block (00 00 FF FF), which leaves the stream at a
// byte boundary; inflating each message against the previous 32 KiB of
// output reproduces the decoder state without keeping a reader open.
type zlibStream struct {
	pending bytes.Buffer
	window  []byte
	skipped bool
	closed  bool
}

func (z *zlibStream) Kind() string { return CompressionZlib }

func (z *zlibStream) Reset() {
	z.pending.Reset()
	z.window = nil
	z.skipped = false
}

func (z *zlibStream) Shutdown() {
	z.Reset()
	z.closed = true
}

func (z *zlibStream) Decompress(frame []byte) (string, error) {
	if z.closed {
		return "", errDecompressorClosed
	}

	z.pending.Write(frame)
	if !z.complete() {
		return "", nil
	}

	data := z.pending.Bytes()
	if !z.skipped {
		// The two-byte zlib header only appears at stream start.
		if len(data) < 2 {
			return "", fmt.Errorf("zlib stream: truncated header")
		}
		if data[0]&0x0F != 8 {
			return "", fmt.Errorf("zlib stream: unsupported method %d", data[0]&0x0F)
		}
		if data[1]&0x20 != 0 {
			return "", fmt.Errorf("zlib stream: preset dictionary not supported")
		}
		data = data[2:]
		z.skipped = true
	}

	fr := flate.NewReaderDict(bytes.NewReader(data), z.window)
	out, err := io.ReadAll(fr)
	fr.Close()
	// The stream never terminates, so hitting the end of the buffered
	// input mid-stream is the expected completion signal.
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}

	z.pending.Reset()
	z.extendWindow(out)
	return string(out), nil
}

func (z *zlibStream) complete() bool {
	n := z.pending.Len()
	if n < 4 {
		return false
	}
	return binary.BigEndian.Uint32(z.pending.Bytes()[n-4:]) == zlibSuffix
}

func (z *zlibStream) extendWindow(out []byte) {
	z.window = append(z.window, out...)
	if len(z.window) > flateWindow {
		trimmed := make([]byte, flateWindow)
		copy(trimmed, z.window[len(z.window)-flateWindow:])
		z.window = trimmed
	}
}
