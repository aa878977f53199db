package qproto

import (
	"encoding/binary"
	"io"

	"github.com/jkaessens/qmanager/pkg/qerr"
)

// MaxFrameSize bounds a single message on the wire. Command lines and
// status payloads fit comfortably; anything larger is a protocol error,
// not a legitimate request.
const MaxFrameSize = 16 << 20

// WriteFrame writes one length-prefixed document: a uint32 little-endian
// byte count followed by the document itself.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return qerr.Newf(qerr.CodeProtocolError, "frame of %d bytes exceeds limit", len(payload))
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return qerr.New(qerr.CodeProtocolError, err)
	}
	if _, err := w.Write(payload); err != nil {
		return qerr.New(qerr.CodeProtocolError, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed document. io.EOF is passed through
// untouched so callers can tell an orderly close from a broken frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, qerr.New(qerr.CodeProtocolError, err)
	}
	n := binary.LittleEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, qerr.Newf(qerr.CodeProtocolError, "frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, qerr.New(qerr.CodeProtocolError, err)
	}
	return payload, nil
}
