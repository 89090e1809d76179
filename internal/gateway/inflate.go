// inflate.go decodes the gateway's zlib-stream transport compression.
//
// The server compresses the whole connection as one endless zlib stream and
// sync-flushes after each logical message, so a binary chunk is the terminal
// fragment of a message iff it ends with the flush marker 00 00 FF FF. The
// stream carries a single zlib header up front and never reaches its adler
// trailer, and deflate back-references may point into earlier messages.
// The inflator therefore strips the zlib header itself and runs a flate
// reader per message, carrying the previous 32 KiB of output forward as the
// dictionary.
package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const inflateWindowSize = 32 * 1024

var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// Inflator is the per-shard transport decompressor. Single-goroutine use
// only; the shard's read loop owns it.
type Inflator struct {
	raw       bytes.Buffer // compressed bytes not yet inflated
	out       bytes.Buffer
	fr        io.ReadCloser
	window    []byte // trailing decompressed output, shared dictionary
	gotHeader bool
}

// Push feeds one binary chunk from the socket. It returns a non-nil payload
// only when the chunk completes a message; a nil payload with nil error
// means the fragment was buffered.
func (i *Inflator) Push(chunk []byte) ([]byte, error) {
	i.raw.Write(chunk)
	if len(chunk) < len(flushSuffix) || !bytes.HasSuffix(chunk, flushSuffix) {
		return nil, nil
	}

	if !i.gotHeader {
		hdr := i.raw.Next(2)
		if len(hdr) < 2 || hdr[0]&0x0f != 8 {
			return nil, fmt.Errorf("inflate: bad zlib header % x", hdr)
		}
		if hdr[1]&0x20 != 0 {
			return nil, errors.New("inflate: preset dictionary not supported")
		}
		i.gotHeader = true
	}

	if i.fr == nil {
		i.fr = flate.NewReaderDict(&i.raw, i.window)
	} else if err := i.fr.(flate.Resetter).Reset(&i.raw, i.window); err != nil {
		return nil, fmt.Errorf("inflate: reset: %w", err)
	}

	i.out.Reset()
	if _, err := i.out.ReadFrom(i.fr); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		// A sync-flushed segment always ends mid-stream, so unexpected EOF is
		// the normal stopping point; anything else is corruption.
		return nil, fmt.Errorf("inflate: %w", err)
	}

	payload := append([]byte(nil), i.out.Bytes()...)
	i.window = append(i.window, payload...)
	if len(i.window) > inflateWindowSize {
		i.window = append([]byte(nil), i.window[len(i.window)-inflateWindowSize:]...)
	}
	return payload, nil
}
