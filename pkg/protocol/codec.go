package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the fixed frame header: command (1), id (2), length (2).
const HeaderSize = 5

// MaxBodySize is the largest body a frame can carry.
const MaxBodySize = math.MaxUint16

var ErrBodyTooLarge = errors.New("protocol: body exceeds frame limit")

// Decoder reads frames from a byte stream.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads one frame. A clean EOF before the header is returned as io.EOF.
func (d *Decoder) Decode() (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, fmt.Errorf("protocol: truncated header: %w", err)
		}
		return Message{}, err
	}
	return decodeBody(header, d.r)
}

func decodeBody(header [HeaderSize]byte, r io.Reader) (Message, error) {
	msg := Message{
		Command: Command(header[0]),
		ID:      binary.BigEndian.Uint16(header[1:3]),
	}
	length := binary.BigEndian.Uint16(header[3:5])
	if msg.IsResponse() {
		msg.Code = Code(length)
		return msg, nil
	}
	if length == 0 {
		return msg, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, fmt.Errorf("protocol: truncated body for %s: %w", msg.Command, err)
	}
	msg.Body = string(body)
	return msg, nil
}

// Encoder writes frames to a byte stream.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg as a single frame.
func (e *Encoder) Encode(msg Message) error {
	frame, err := AppendFrame(nil, msg)
	if err != nil {
		return err
	}
	_, err = e.w.Write(frame)
	return err
}

// AppendFrame appends the wire encoding of msg to dst.
func AppendFrame(dst []byte, msg Message) ([]byte, error) {
	if len(msg.Body) > MaxBodySize {
		return dst, ErrBodyTooLarge
	}
	var header [HeaderSize]byte
	header[0] = byte(msg.Command)
	binary.BigEndian.PutUint16(header[1:3], msg.ID)
	if msg.IsResponse() {
		binary.BigEndian.PutUint16(header[3:5], uint16(msg.Code))
		return append(dst, header[:]...), nil
	}
	binary.BigEndian.PutUint16(header[3:5], uint16(len(msg.Body)))
	dst = append(dst, header[:]...)
	return append(dst, msg.Body...), nil
}

// ParseFrame decodes a complete frame held in memory, as delivered by
// message-oriented transports.
func ParseFrame(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return Message{}, fmt.Errorf("protocol: frame of %d bytes is shorter than header", len(frame))
	}
	var header [HeaderSize]byte
	copy(header[:], frame)
	rest := frame[HeaderSize:]
	msg, err := decodeBody(header, bytes.NewReader(rest))
	if err != nil {
		return Message{}, err
	}
	if !msg.IsResponse() && len(msg.Body) != len(rest) {
		return Message{}, fmt.Errorf("protocol: frame length %d does not match body of %d bytes", len(msg.Body), len(rest))
	}
	return msg, nil
}
