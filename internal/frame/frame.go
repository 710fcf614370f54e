// Package frame implements the length-prefixed record framing used on the
// wire: u32-big(nonce_len)‖nonce‖u32-big(ct_len)‖ct for encrypted records,
// plus the all-zero end marker and the plaintext-length-prefixed records
// used before the session key exists (public keys, READY, challenge
// response).
package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arnvale/meshxfer/internal/xfererr"
)

// NonceSize is the size in bytes of a ChaCha20-Poly1305 nonce, matching
// internal/crypto.NonceSize. Duplicated as a constant here to keep this
// package free of a crypto import; callers pass nonces as []byte.
const NonceSize = 12

// EndMarker is the reserved nonce-length value signalling no further
// forward data. It MUST NOT appear as a real nonce length mid-stream.
const EndMarker uint32 = 0

// MaxRecordSize bounds a single ciphertext or plaintext record to guard
// against a malformed or hostile length prefix causing an unbounded
// allocation. Comfortably above one compressed 1 MiB block plus overhead.
const MaxRecordSize = 16 * 1024 * 1024

// DataReadTimeout is the read deadline applied to data records; it
// distinguishes transient slowness from a true stall.
const DataReadTimeout = 5 * time.Minute

// Conn wraps a net.Conn with buffered reads and the framing helpers. It is
// not safe for concurrent use from multiple goroutines on the same
// direction (read or write); the sender and receiver each own one
// data-path thread per spec's concurrency model.
type Conn struct {
	nc net.Conn
	br *bufio.Reader
}

// New wraps nc, enabling TCP_NODELAY when possible.
func New(nc net.Conn) *Conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Conn{nc: nc, br: bufio.NewReaderSize(nc, 64*1024)}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// WriteRecord writes one encrypted record: nonce then ciphertext, each
// length-prefixed.
func (c *Conn) WriteRecord(nonce, ciphertext []byte) error {
	if len(nonce) != NonceSize {
		return xfererr.New(xfererr.KindProtocolError, "write record", fmt.Errorf("nonce size %d != %d", len(nonce), NonceSize))
	}
	if err := writeLengthPrefixed(c.nc, nonce); err != nil {
		return xfererr.New(xfererr.KindTransportClosed, "write nonce", err)
	}
	if err := writeLengthPrefixed(c.nc, ciphertext); err != nil {
		return xfererr.New(xfererr.KindTransportClosed, "write ciphertext", err)
	}
	return nil
}

// WriteEndMarker writes the reserved all-zero nonce-length slot signalling
// no further forward data.
func (c *Conn) WriteEndMarker() error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], EndMarker)
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return xfererr.New(xfererr.KindTransportClosed, "write end marker", err)
	}
	return nil
}

// ReadRecord reads one record, applying DataReadTimeout to the whole read.
// If the nonce-length slot is EndMarker, ok is false and both slices are
// nil: the caller must check ok before treating zero-length results as
// data.
func (c *Conn) ReadRecord() (nonce, ciphertext []byte, ok bool, err error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(DataReadTimeout)); err != nil {
		return nil, nil, false, xfererr.New(xfererr.KindIOError, "set read deadline", err)
	}
	defer c.nc.SetReadDeadline(time.Time{})

	nonceLen, err := readLength(c.br)
	if err != nil {
		return nil, nil, false, err
	}
	if nonceLen == EndMarker {
		return nil, nil, false, nil
	}
	if nonceLen != NonceSize {
		return nil, nil, false, xfererr.New(xfererr.KindProtocolError, "read record", fmt.Errorf("unexpected nonce length %d", nonceLen))
	}

	nonce = make([]byte, nonceLen)
	if _, err := io.ReadFull(c.br, nonce); err != nil {
		return nil, nil, false, classifyReadErr(err, "read nonce")
	}

	ctLen, err := readLength(c.br)
	if err != nil {
		return nil, nil, false, err
	}
	ciphertext = make([]byte, ctLen)
	if _, err := io.ReadFull(c.br, ciphertext); err != nil {
		return nil, nil, false, classifyReadErr(err, "read ciphertext")
	}

	return nonce, ciphertext, true, nil
}

// WritePlaintext writes one length-prefixed plaintext record, used only
// before the session key is established (public keys) or for the
// plaintext READY token and challenge response.
func (c *Conn) WritePlaintext(data []byte) error {
	if err := writeLengthPrefixed(c.nc, data); err != nil {
		return xfererr.New(xfererr.KindTransportClosed, "write plaintext", err)
	}
	return nil
}

// ReadPlaintext reads one length-prefixed plaintext record.
func (c *Conn) ReadPlaintext() ([]byte, error) {
	n, err := readLength(c.br)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, classifyReadErr(err, "read plaintext")
	}
	return buf, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readLength(r io.Reader) (uint32, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, classifyReadErr(err, "read length prefix")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxRecordSize {
		return 0, xfererr.New(xfererr.KindProtocolError, "read length prefix", fmt.Errorf("record size %d exceeds max %d", n, MaxRecordSize))
	}
	return n, nil
}

func classifyReadErr(err error, context string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return xfererr.New(xfererr.KindTransportClosed, context, err)
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return xfererr.New(xfererr.KindTransportClosed, context, err)
	}
	return xfererr.New(xfererr.KindProtocolError, context, err)
}
