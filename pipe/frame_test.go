package pipe

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	cases := []struct {
		name      string
		line      string
		expCall   *Call
		expReply  *Reply
		expDecErr bool
	}{
		{
			name:    "call",
			line:    `{"id":1,"method":"query","msg":{"index":"a"}}`,
			expCall: &Call{ID: 1, Method: "query", Msg: json.RawMessage(`{"index":"a"}`)},
		},
		{
			name:    "handshake",
			line:    `{"id":0,"method":"hello","msg":null}`,
			expCall: &Call{ID: 0, Method: "hello", Msg: json.RawMessage(`null`)},
		},
		{
			name:    "call with empty method is still a call",
			line:    `{"id":2,"method":"","msg":1}`,
			expCall: &Call{ID: 2, Method: "", Msg: json.RawMessage(`1`)},
		},
		{
			name:     "reply",
			line:     `{"id":-1,"err":null,"msg":3}`,
			expReply: &Reply{ID: -1, Err: json.RawMessage(`null`), Msg: json.RawMessage(`3`)},
		},
		{
			name:     "reply with error and no msg",
			line:     `{"id":-4,"err":"Method not found."}`,
			expReply: &Reply{ID: -4, Err: json.RawMessage(`"Method not found."`)},
		},
		{
			name:     "carriage return is trimmed",
			line:     "{\"id\":-2,\"err\":null,\"msg\":true}\r",
			expReply: &Reply{ID: -2, Err: json.RawMessage(`null`), Msg: json.RawMessage(`true`)},
		},
		{
			name:      "not json",
			line:      `thread 'main' panicked at src/main.rs`,
			expDecErr: true,
		},
		{
			name:      "missing id",
			line:      `{"method":"query"}`,
			expDecErr: true,
		},
		{
			name:      "fractional id",
			line:      `{"id":1.5,"method":"query"}`,
			expDecErr: true,
		},
		{
			name:      "array",
			line:      `[1,2,3]`,
			expDecErr: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(c.line + "\n"))
			m, err := dec.Decode()
			if c.expDecErr {
				var decErr *FrameDecodeError
				require.ErrorAs(t, err, &decErr)
				assert.Equal(t, strings.TrimRight(c.line, "\r"), decErr.Line)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expCall, m.Call)
			assert.Equal(t, c.expReply, m.Reply)

			_, err = dec.Decode()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestDecodeSkipsGarbageAndBlankLines(t *testing.T) {
	input := strings.Join([]string{
		`{"id":1,"method":"a","msg":null}`,
		``,
		`warning: something leaked onto stdout`,
		`   `,
		`{"id":2,"method":"b","msg":null}`,
	}, "\n")
	// no trailing newline: the last record must still be decoded

	dec := NewDecoder(strings.NewReader(input))

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "a", m.Call.Method)

	_, err = dec.Decode()
	var decErr *FrameDecodeError
	require.ErrorAs(t, err, &decErr)
	assert.Equal(t, "warning: something leaked onto stdout", decErr.Line)

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, "b", m.Call.Method)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeLongLine(t *testing.T) {
	big := strings.Repeat("x", 1<<20)
	input := `{"id":-1,"err":null,"msg":"` + big + `"}` + "\n"

	m, err := NewDecoder(strings.NewReader(input)).Decode()
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(m.Reply.Msg, &s))
	assert.Len(t, s, 1<<20)
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(Message{Call: &Call{ID: 1, Method: "add", Msg: json.RawMessage(`{"a":1,"b":2}`)}}))
	require.NoError(t, enc.Encode(Message{Call: &Call{ID: 0, Method: HelloMethod}}))
	require.NoError(t, enc.Encode(Message{Reply: &Reply{ID: -7, Msg: json.RawMessage(`"multi\nline"`)}}))
	require.NoError(t, enc.Encode(Message{Reply: &Reply{ID: -8, Err: json.RawMessage(`"boom"`)}}))
	require.Error(t, enc.Encode(Message{}))

	expected := `{"id":1,"method":"add","msg":{"a":1,"b":2}}` + "\n" +
		`{"id":0,"method":"hello","msg":null}` + "\n" +
		`{"id":-7,"err":null,"msg":"multi\nline"}` + "\n" +
		`{"id":-8,"err":"boom","msg":null}` + "\n"
	assert.Equal(t, expected, buf.String())
	assert.Equal(t, 4, strings.Count(buf.String(), "\n"))
}

func TestEncodeDecodePreservesOrder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := int64(1); i <= 50; i++ {
		require.NoError(t, enc.Encode(Message{Call: &Call{ID: i, Method: "seq"}}))
	}

	dec := NewDecoder(&buf)
	for i := int64(1); i <= 50; i++ {
		m, err := dec.Decode()
		require.NoError(t, err)
		require.Equal(t, i, m.Call.ID)
	}
}
