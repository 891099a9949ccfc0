// Package pktline implements the Pkt-Line Framer: a
// length-prefixed record format layered directly on a byte pipe, plus the
// side-band demultiplexing mode used to interleave pack data, progress
// text, and fatal error text on one stream.
//
// The on-wire unit is a packet: a 4-character hex length (including the
// length field itself) followed by that many bytes of payload. Three
// lengths carry no payload: 0000 (flush), 0001 (delim), 0002 (response-end).
package pktline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// LengthSize is the size in bytes of a packet's hex length header.
	LengthSize = 4

	// MaxDataSize is the maximum payload size of a single packet.
	MaxDataSize = 65516

	// MaxPacketSize is the maximum total size of a packet, header included.
	MaxPacketSize = MaxDataSize + LengthSize
)

// Kind distinguishes the four record shapes a Framer can read.
type Kind int

const (
	KindData Kind = iota
	KindFlush
	KindDelim
	KindResponseEnd
)

// Record is one parsed packet.
type Record struct {
	Kind Kind
	Data []byte // valid only when Kind == KindData
}

var (
	// ErrMalformedFraming is returned when a hex length is invalid or
	// reserved, or when the pipe closes inside a 4-byte length header.
	ErrMalformedFraming = errors.New("pktline: malformed framing")

	// ErrEndOfStream is returned when the underlying pipe closes at a packet
	// boundary or before a payload reaches its declared length.
	ErrEndOfStream = errors.New("pktline: end of stream")

	// ErrDataTooLarge is returned by Write when the payload exceeds
	// MaxDataSize.
	ErrDataTooLarge = errors.New("pktline: data too large")
)

// RemoteError is surfaced to the calling layer when side-band channel 3
// (fatal error text) is received. It terminates the session.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote error: " + e.Message }

// Framer reads and writes packets on an underlying byte pipe. It is not
// safe for concurrent use by more than one reader and one writer per
// direction, and does no internal locking.
type Framer struct {
	r *bufio.Reader
	w io.Writer

	sideband       bool
	progressSink   func(text []byte)
	pendingPackBuf []byte // leftover channel-1 bytes from a Data record not yet consumed by PackReader
}

// New wraps rw in a Framer with side-band disabled.
func New(r io.Reader, w io.Writer) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, MaxPacketSize), w: w}
}

// EnableSideband turns on side-band demultiplexing: subsequent Data records
// are expected to carry a leading channel-tag byte (1=pack, 2=progress,
// 3=fatal error). progress, if non-nil, receives channel-2 text.
func (f *Framer) EnableSideband(progress func(text []byte)) {
	f.sideband = true
	f.progressSink = progress
}

// Write emits one Data packet.
func (f *Framer) Write(data []byte) error {
	if len(data)+LengthSize > MaxPacketSize {
		return ErrDataTooLarge
	}
	header := fmt.Sprintf("%04x", len(data)+LengthSize)
	if _, err := io.WriteString(f.w, header); err != nil {
		return err
	}
	_, err := f.w.Write(data)
	return err
}

// WriteFlush emits a flush packet (0000).
func (f *Framer) WriteFlush() error {
	_, err := io.WriteString(f.w, "0000")
	return err
}

// WriteDelim emits a delimiter packet (0001), used in stateless negotiation
// rounds to separate sections of a request.
func (f *Framer) WriteDelim() error {
	_, err := io.WriteString(f.w, "0001")
	return err
}

// Read parses and returns the next record. Side-band channel 3 (fatal
// error) surfaces as a *RemoteError; channel 2 (progress) is forwarded to
// the progress sink and the read loop continues transparently to the next
// record, never exposing channel boundaries beyond that.
func (f *Framer) Read() (Record, error) {
	for {
		lengthHex := make([]byte, LengthSize)
		if _, err := io.ReadFull(f.r, lengthHex); err != nil {
			if errors.Is(err, io.EOF) {
				return Record{}, ErrEndOfStream
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, fmt.Errorf("%w: truncated length header: %v", ErrMalformedFraming, err)
			}
			return Record{}, err
		}

		length, err := strconv.ParseUint(string(lengthHex), 16, 16)
		if err != nil {
			return Record{}, fmt.Errorf("%w: invalid hex length %q: %v", ErrMalformedFraming, lengthHex, err)
		}

		switch length {
		case 0:
			return Record{Kind: KindFlush}, nil
		case 1:
			return Record{Kind: KindDelim}, nil
		case 2:
			return Record{Kind: KindResponseEnd}, nil
		case 3:
			return Record{}, fmt.Errorf("%w: reserved packet length 0003", ErrMalformedFraming)
		}

		dataLen := int(length) - LengthSize
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(f.r, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Record{}, ErrEndOfStream
			}
			return Record{}, err
		}

		if !f.sideband {
			return Record{Kind: KindData, Data: data}, nil
		}

		if len(data) == 0 {
			return Record{}, fmt.Errorf("%w: side-band packet missing channel tag", ErrMalformedFraming)
		}
		channel, payload := data[0], data[1:]
		switch channel {
		case 1:
			return Record{Kind: KindData, Data: payload}, nil
		case 2:
			if f.progressSink != nil {
				f.progressSink(payload)
			}
			continue
		case 3:
			return Record{}, &RemoteError{Message: string(payload)}
		default:
			return Record{}, fmt.Errorf("%w: unknown side-band channel %d", ErrMalformedFraming, channel)
		}
	}
}

// PackReader returns an io.Reader that presents side-band channel-1 bytes
// (or, with side-band disabled, raw Data payloads) as one continuous
// stream, for consumption by the pack parser. It hides channel framing
// entirely: flush/delim/response-end records and non-pack channels are
// consumed internally and never surfaced to the reader.
func (f *Framer) PackReader() io.Reader {
	return &packStreamReader{framer: f}
}

type packStreamReader struct {
	framer *Framer
	buf    []byte
}

func (p *packStreamReader) Read(out []byte) (int, error) {
	for len(p.buf) == 0 {
		rec, err := p.framer.Read()
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				return 0, io.EOF
			}
			return 0, err
		}
		switch rec.Kind {
		case KindData:
			p.buf = rec.Data
		case KindFlush, KindDelim, KindResponseEnd:
			continue
		}
	}
	n := copy(out, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}
