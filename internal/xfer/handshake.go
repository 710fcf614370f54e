package xfer

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/arnvale/meshxfer/internal/crypto"
	"github.com/arnvale/meshxfer/internal/frame"
	"github.com/arnvale/meshxfer/internal/xfererr"
)

// HandshakeTimeout bounds the whole key-exchange-plus-authentication
// dialog, independent of the later READY wait.
const HandshakeTimeout = 60 * time.Second

// Session bundles a framed connection with its derived session key, ready
// for the stream phase.
type Session struct {
	Conn *frame.Conn
	Key  *crypto.SessionKey
}

// Close zeroes the session key and closes the underlying connection.
func (s *Session) Close() error {
	s.Key.Zero()
	return s.Conn.Close()
}

// SenderHandshake performs the sender side of the key exchange and
// authentication challenge against nc, using the shared token. It writes
// its public key before reading the receiver's, per the deterministic
// ordering the protocol requires to avoid a simultaneous-read deadlock.
func SenderHandshake(nc net.Conn, token string) (*Session, error) {
	if err := nc.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, xfererr.New(xfererr.KindIOError, "set handshake deadline", err)
	}
	defer nc.SetDeadline(time.Time{})

	conn := frame.New(nc)

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "generate keypair", err)
	}
	defer crypto.ZeroKey(&priv)

	if err := conn.WritePlaintext(pub[:]); err != nil {
		return nil, err
	}

	remotePubBytes, err := conn.ReadPlaintext()
	if err != nil {
		return nil, err
	}
	remotePub, err := toKeyArray(remotePubBytes)
	if err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "parse peer public key", err)
	}

	shared, err := crypto.ComputeECDH(priv, remotePub)
	if err != nil {
		return nil, xfererr.New(xfererr.KindAuthFailure, "compute ECDH", err)
	}

	key, err := crypto.DeriveSessionKey(shared, token)
	if err != nil {
		return nil, xfererr.New(xfererr.KindAuthFailure, "derive session key", err)
	}

	challenge := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "generate challenge", err)
	}

	expected := sha256.Sum256(append(challenge, []byte(token)...))

	nonce, ct, err := key.Encrypt(challenge)
	if err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "encrypt challenge", err)
	}
	if err := conn.WriteRecord(nonce[:], ct); err != nil {
		return nil, err
	}

	response, err := conn.ReadPlaintext()
	if err != nil {
		return nil, err
	}
	if len(response) != len(expected) || !bytes.Equal(response, expected[:]) {
		return nil, xfererr.New(xfererr.KindAuthFailure, "challenge response mismatch", nil)
	}

	return &Session{Conn: conn, Key: key}, nil
}

// ReceiverHandshake performs the receiver side: read sender's public key
// first, then write its own, per the deterministic ordering.
func ReceiverHandshake(nc net.Conn, token string) (*Session, error) {
	if err := nc.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return nil, xfererr.New(xfererr.KindIOError, "set handshake deadline", err)
	}
	defer nc.SetDeadline(time.Time{})

	conn := frame.New(nc)

	remotePubBytes, err := conn.ReadPlaintext()
	if err != nil {
		return nil, err
	}
	remotePub, err := toKeyArray(remotePubBytes)
	if err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "parse peer public key", err)
	}

	priv, pub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "generate keypair", err)
	}
	defer crypto.ZeroKey(&priv)

	if err := conn.WritePlaintext(pub[:]); err != nil {
		return nil, err
	}

	shared, err := crypto.ComputeECDH(priv, remotePub)
	if err != nil {
		return nil, xfererr.New(xfererr.KindAuthFailure, "compute ECDH", err)
	}

	key, err := crypto.DeriveSessionKey(shared, token)
	if err != nil {
		return nil, xfererr.New(xfererr.KindAuthFailure, "derive session key", err)
	}

	nonceBytes, ct, ok, err := conn.ReadRecord()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xfererr.New(xfererr.KindProtocolError, "read challenge", fmt.Errorf("unexpected end marker"))
	}
	nonce, err := toNonceArray(nonceBytes)
	if err != nil {
		return nil, xfererr.New(xfererr.KindProtocolError, "parse challenge nonce", err)
	}

	challenge, err := key.Decrypt(nonce, ct)
	if err != nil {
		return nil, xfererr.New(xfererr.KindAuthFailure, "decrypt challenge", err)
	}

	response := sha256.Sum256(append(challenge, []byte(token)...))

	if err := conn.WritePlaintext(response[:]); err != nil {
		return nil, err
	}

	return &Session{Conn: conn, Key: key}, nil
}

func toKeyArray(b []byte) ([crypto.KeySize]byte, error) {
	var out [crypto.KeySize]byte
	if len(b) != crypto.KeySize {
		return out, fmt.Errorf("expected %d bytes, got %d", crypto.KeySize, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func toNonceArray(b []byte) ([crypto.NonceSize]byte, error) {
	var out [crypto.NonceSize]byte
	if len(b) != crypto.NonceSize {
		return out, fmt.Errorf("expected %d bytes, got %d", crypto.NonceSize, len(b))
	}
	copy(out[:], b)
	return out, nil
}
