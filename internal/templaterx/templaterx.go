// Package templaterx implements the pool's client connection to a
// Template Provider: two inbound streams (NewTemplate, SetNewPrevHash)
// and one outbound stream (SubmitSolution).
//
// Unlike the miner-facing Stratum V2 wire protocol (binary SV2 frames
// over a noise-encrypted channel), the Template Provider link uses a
// length-prefixed CBOR message stream.
package templaterx

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// channelDepth bounds the buffering between the Template Provider link
// and the Pool's dispatch loops. Template events arrive at block cadence,
// so a small buffer is plenty.
const channelDepth = 10

// messageKind tags which CBOR payload follows on the wire.
type messageKind uint8

const (
	kindNewTemplate messageKind = iota + 1
	kindSetNewPrevHash
	kindSubmitSolution
)

// Template mirrors the SV2 NewTemplate message: enough of a block template
// for the pool to derive extended mining jobs from, without committing to
// a prev-hash yet when FutureTemplate is true.
type Template struct {
	TemplateID               uint64   `cbor:"1,keyasint"`
	FutureTemplate           bool     `cbor:"2,keyasint"`
	Version                  uint32   `cbor:"3,keyasint"`
	CoinbaseTxVersion        uint32   `cbor:"4,keyasint"`
	CoinbasePrefix           []byte   `cbor:"5,keyasint"`
	CoinbaseTxInputSequence  uint32   `cbor:"6,keyasint"`
	CoinbaseTxValueRemaining uint64   `cbor:"7,keyasint"`
	CoinbaseTxOutputsCount   uint32   `cbor:"8,keyasint"`
	CoinbaseTxOutputs        []byte   `cbor:"9,keyasint"`
	CoinbaseTxLocktime       uint32   `cbor:"10,keyasint"`
	MerklePath               [][]byte `cbor:"11,keyasint"`
}

// SetNewPrevHash mirrors the SV2 SetNewPrevHash message sent by the
// Template Provider: it references the template_id of the (possibly
// future) template it activates.
type SetNewPrevHash struct {
	TemplateID      uint64 `cbor:"1,keyasint"`
	PrevHash        []byte `cbor:"2,keyasint"`
	HeaderTimestamp uint32 `cbor:"3,keyasint"`
	NBits           uint32 `cbor:"4,keyasint"`
	Target          []byte `cbor:"5,keyasint"`
}

// SubmitSolution mirrors the SV2 SubmitSolution message sent upstream to
// the Template Provider once a network-target share is found.
type SubmitSolution struct {
	TemplateID      uint64 `cbor:"1,keyasint"`
	Version         uint32 `cbor:"2,keyasint"`
	HeaderTimestamp uint32 `cbor:"3,keyasint"`
	HeaderNonce     uint32 `cbor:"4,keyasint"`
	CoinbaseTx      []byte `cbor:"5,keyasint"`
}

// Client holds the connection to the Template Provider and the three
// channels the rest of the pool consumes.
type Client struct {
	conn   net.Conn
	logger *zap.Logger

	NewTemplateCh chan Template
	NewPrevHashCh chan SetNewPrevHash
	solutionCh    chan SubmitSolution
}

// Connect dials the Template Provider at addr and starts the background
// read loop that demultiplexes incoming messages onto NewTemplateCh and
// NewPrevHashCh, and a write loop draining solutions submitted via
// SubmitBlockSolution.
func Connect(ctx context.Context, addr string, logger *zap.Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("templaterx: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:          conn,
		logger:        logger.Named("templaterx"),
		NewTemplateCh: make(chan Template, channelDepth),
		NewPrevHashCh: make(chan SetNewPrevHash, channelDepth),
		solutionCh:    make(chan SubmitSolution, channelDepth),
	}

	go c.readLoop(ctx)
	go c.writeLoop(ctx)

	return c, nil
}

// SubmitBlockSolution enqueues a solved-block message for the write loop
// to send upstream. The channel buffers up to channelDepth solutions; when
// it is full the call blocks until the write loop drains one, and it does
// not return at all once the write loop has stopped.
func (c *Client) SubmitBlockSolution(s SubmitSolution) {
	c.solutionCh <- s
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.NewTemplateCh)
	defer close(c.NewPrevHashCh)

	for {
		kind, payload, err := readFrame(c.conn)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("template provider read failed", zap.Error(err))
			}
			return
		}

		switch kind {
		case kindNewTemplate:
			var t Template
			if err := cbor.Unmarshal(payload, &t); err != nil {
				c.logger.Error("decode NewTemplate failed", zap.Error(err))
				continue
			}
			select {
			case c.NewTemplateCh <- t:
			case <-ctx.Done():
				return
			}
		case kindSetNewPrevHash:
			var p SetNewPrevHash
			if err := cbor.Unmarshal(payload, &p); err != nil {
				c.logger.Error("decode SetNewPrevHash failed", zap.Error(err))
				continue
			}
			select {
			case c.NewPrevHashCh <- p:
			case <-ctx.Done():
				return
			}
		default:
			c.logger.Warn("unknown template provider message kind", zap.Uint8("kind", uint8(kind)))
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-c.solutionCh:
			payload, err := cbor.Marshal(s)
			if err != nil {
				c.logger.Error("encode SubmitSolution failed", zap.Error(err))
				continue
			}
			if err := writeFrame(c.conn, kindSubmitSolution, payload); err != nil {
				c.logger.Error("template provider write failed", zap.Error(err))
				return
			}
		}
	}
}

// readFrame reads a 1-byte kind tag, a 4-byte big-endian length, then the
// CBOR payload of that length.
func readFrame(r io.Reader) (messageKind, []byte, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	kind := messageKind(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return kind, payload, nil
}

func writeFrame(w io.Writer, kind messageKind, payload []byte) error {
	var header [5]byte
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
