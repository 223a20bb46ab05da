package pipe

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// HelloMethod is the method name of the handshake Call sent by the child once it is initialized.
const HelloMethod = "hello"

// Message is a single decoded frame. Exactly one of Call and Reply is set.
type Message struct {
	Call  *Call
	Reply *Reply
}

// Call asks the peer to run Method with Msg as its argument.
type Call struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Msg    json.RawMessage `json:"msg"`
}

// Reply answers the Call whose id is -ID. Err is JSON null on success.
type Reply struct {
	ID  int64           `json:"id"`
	Err json.RawMessage `json:"err"`
	Msg json.RawMessage `json:"msg"`
}

// wireMessage is the union of both record shapes, used for decoding.
// Method is a pointer because an absent "method" key is what marks a Reply.
type wireMessage struct {
	ID     *int64          `json:"id"`
	Method *string         `json:"method"`
	Msg    json.RawMessage `json:"msg"`
	Err    json.RawMessage `json:"err"`
}

// Decoder splits a byte stream on newlines and decodes each line into a Message.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode returns the next message in the stream.
// A line that cannot be decoded yields a *FrameDecodeError and the Decoder remains usable.
// Any other error comes from the underlying reader and ends the stream.
func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			if err != nil {
				return Message{}, err
			}
			continue
		}
		// a trailing line without a delimiter is still a record; the read error is reported on the next call
		return parseLine(line)
	}
}

func parseLine(line []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, &FrameDecodeError{Line: string(line), Err: err}
	}
	if w.ID == nil {
		return Message{}, &FrameDecodeError{Line: string(line), Err: errors.New("missing id")}
	}
	if w.Method != nil {
		return Message{Call: &Call{ID: *w.ID, Method: *w.Method, Msg: w.Msg}}, nil
	}
	return Message{Reply: &Reply{ID: *w.ID, Err: w.Err, Msg: w.Msg}}, nil
}

// Encoder writes messages as newline-delimited JSON records.
// It is not safe for concurrent use.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes m followed by exactly one newline in a single Write call.
func (e *Encoder) Encode(m Message) error {
	var v any
	switch {
	case m.Call != nil:
		v = m.Call
	case m.Reply != nil:
		v = m.Reply
	default:
		return errors.New("empty message")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	e.buf.Reset()
	e.buf.Write(b)
	e.buf.WriteByte('\n')
	_, err = e.w.Write(e.buf.Bytes())
	return err
}

func (m Message) String() string {
	var v any = m.Call
	if m.Call == nil {
		v = m.Reply
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unencodable message: %s>", err)
	}
	return string(b)
}
