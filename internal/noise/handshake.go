// Package noise implements the SV2 noise-protocol transport handshake in
// the responder role, wrapping an accepted TCP connection into a
// protocol.FrameChannel once the handshake completes.
//
// The pool holds a static keypair (the authority key from configuration),
// accepts the initiator's ephemeral key and payload, and replies with its
// own ephemeral and static keys plus an encrypted payload carrying
// cert_validity_sec. No signed certificate is sent.
package noise

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"

	"github.com/viddhana/sv2pool/internal/protocol"
)

// handshakePattern matches the Noise_NX pattern used by SV2: the responder
// authenticates with a static key transmitted (not pre-known) during the
// handshake, appropriate for a pool whose authority public key is
// distributed out of band via configuration rather than pinned per-miner.
var handshakePattern = noise.HandshakeNX

// Responder performs the server side of the noise handshake for each
// accepted connection.
type Responder struct {
	staticKey noise.DHKey
	cipher    noise.CipherSuite
	validFor  time.Duration
}

// NewResponder builds a Responder from the pool's authority keypair.
func NewResponder(privateKey, publicKey []byte, certValidity time.Duration) (*Responder, error) {
	if len(privateKey) != 32 || len(publicKey) != 32 {
		return nil, fmt.Errorf("noise: authority keypair must be 32 bytes each")
	}
	return &Responder{
		staticKey: noise.DHKey{Private: privateKey, Public: publicKey},
		cipher:    noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		validFor:  certValidity,
	}, nil
}

// Handshake runs the responder side of the handshake over conn and returns
// a Channel implementing protocol.FrameChannel over the resulting
// transport-encrypted stream.
func (r *Responder) Handshake(conn net.Conn) (*Channel, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   r.cipher,
		Pattern:       handshakePattern,
		Initiator:     false,
		StaticKeypair: r.staticKey,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake state: %w", err)
	}

	// Message 1: initiator -> responder (ephemeral key only, no payload).
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("noise: read handshake len: %w", err)
	}
	msgLen := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, msgLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("noise: read handshake message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, buf); err != nil {
		return nil, fmt.Errorf("noise: process handshake message 1: %w", err)
	}

	// Message 2: responder -> initiator. Its payload is r.validFor in whole
	// seconds as an 8-byte big-endian integer; it is not a signed
	// certificate.
	payload := encodeCertValidity(r.validFor)
	out, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("noise: write handshake message 2: %w", err)
	}
	if err := writeLenPrefixed(conn, out); err != nil {
		return nil, fmt.Errorf("noise: send handshake message 2: %w", err)
	}

	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("noise: handshake did not complete in two messages")
	}

	// The split pair is ordered initiator->responder first: as the
	// responder we receive with cs1 and send with cs2.
	return &Channel{conn: conn, send: cs2, recv: cs1}, nil
}

func encodeCertValidity(d time.Duration) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(d.Seconds()))
	return buf
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// Channel implements protocol.FrameChannel over a noise-encrypted stream.
type Channel struct {
	conn net.Conn
	send *noise.CipherState
	recv *noise.CipherState
}

var _ protocol.FrameChannel = (*Channel)(nil)

// Recv decrypts and decodes the next frame.
func (c *Channel) Recv() (protocol.Frame, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return protocol.Frame{}, err
	}
	ciphertextLen := binary.BigEndian.Uint16(lenBuf[:])
	ciphertext := make([]byte, ciphertextLen)
	if _, err := io.ReadFull(c.conn, ciphertext); err != nil {
		return protocol.Frame{}, fmt.Errorf("noise: read ciphertext: %w", err)
	}
	plaintext, err := c.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("noise: decrypt frame: %w", err)
	}
	return protocol.ReadFrame(bytes.NewReader(plaintext))
}

// Send encodes and encrypts a frame.
func (c *Channel) Send(f protocol.Frame) error {
	var plainBuf bytes.Buffer
	if err := protocol.WriteFrame(&plainBuf, f); err != nil {
		return err
	}
	ciphertext, err := c.send.Encrypt(nil, nil, plainBuf.Bytes())
	if err != nil {
		return fmt.Errorf("noise: encrypt frame: %w", err)
	}
	return writeLenPrefixed(c.conn, ciphertext)
}

// Close tears down the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
