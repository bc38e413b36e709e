package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Type: ReqCommandRun, Namespace: "proj", Command: "build", Args: []string{"all"}}
	require.NoError(t, WriteMsg(&buf, req))

	// The frame is a 4-byte big-endian length followed by JSON.
	raw := buf.Bytes()
	require.Greater(t, len(raw), 4)
	size := binary.BigEndian.Uint32(raw[:4])
	assert.EqualValues(t, len(raw)-4, size)

	data, err := ReadMsg(&buf)
	require.NoError(t, err)
	var back Request
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, *req, back)
}

func TestReadMsgRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+1)
	buf.Write(hdr[:])
	_, err := ReadMsg(&buf)
	assert.Error(t, err)
}

func TestReadMsgShortFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString("short")
	_, err := ReadMsg(&buf)
	assert.Error(t, err)
}

func TestResponseShapes(t *testing.T) {
	resp := ok("fine")
	assert.Equal(t, RespOk, resp.Type)

	resp = errResp("bad %s", "thing")
	assert.Equal(t, RespError, resp.Type)
	assert.Equal(t, "bad thing", resp.Message)

	resp = result(map[string]int{"a": 1})
	assert.Equal(t, RespResult, resp.Type)
	var decoded map[string]int
	require.NoError(t, json.Unmarshal(resp.Result, &decoded))
	assert.Equal(t, 1, decoded["a"])
}
