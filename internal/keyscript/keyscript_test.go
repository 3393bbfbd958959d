package keyscript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"rpcbatcher/internal/jsonrpc"
)

const byAddress = `
function partitionKey(req) {
	console.debug("keying", req.method);
	if (req.method === "eth_getBalance") {
		return "shard-" + utils.shard(req.params[0], 4);
	}
	if (req.method === "eth_call") {
		return req.params[0].to.toLowerCase();
	}
	return null;
}
`

func request(t *testing.T, method string, params interface{}) *jsonrpc.Request {
	t.Helper()
	req, err := jsonrpc.NewRequest(method, params, jsonrpc.NewIDInt(1))
	require.NoError(t, err)
	return req
}

func TestScript_PartitionKey(t *testing.T) {
	t.Parallel()

	s, err := New(byAddress, zerolog.Nop())
	require.NoError(t, err)

	key, err := s.PartitionKey("eth", request(t, "eth_call", []interface{}{map[string]string{"to": "0xABCD"}, "latest"}))
	require.NoError(t, err)
	require.Equal(t, "0xabcd", key)

	key, err = s.PartitionKey("eth", request(t, "eth_chainId", nil))
	require.NoError(t, err)
	require.Empty(t, key)

	first, err := s.PartitionKey("eth", request(t, "eth_getBalance", []interface{}{"0x01", "latest"}))
	require.NoError(t, err)
	require.Regexp(t, `^shard-[0-3]$`, first)

	again, err := s.PartitionKey("eth", request(t, "eth_getBalance", []interface{}{"0x01", "latest"}))
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 3, s.MemoLen())
}

func TestScript_MemoIsPerGroup(t *testing.T) {
	t.Parallel()

	s, err := New(`function partitionKey(req) { return req.group + ":" + req.method; }`, zerolog.Nop())
	require.NoError(t, err)

	a, err := s.PartitionKey("a", request(t, "m", nil))
	require.NoError(t, err)
	b, err := s.PartitionKey("b", request(t, "m", nil))
	require.NoError(t, err)

	require.Equal(t, "a:m", a)
	require.Equal(t, "b:m", b)
}

func TestScript_Keccak(t *testing.T) {
	t.Parallel()

	s, err := New(`function partitionKey(req) { return utils.keccak256(req.method); }`, zerolog.Nop())
	require.NoError(t, err)

	key, err := s.PartitionKey("eth", request(t, "", nil))
	require.NoError(t, err)
	require.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", key)
}

func TestScript_Errors(t *testing.T) {
	t.Parallel()

	_, err := New(`var x = 1;`, zerolog.Nop())
	require.ErrorContains(t, err, "partitionKey not defined")

	_, err = New(`function (`, zerolog.Nop())
	require.ErrorContains(t, err, "script error")

	s, err := New(`function partitionKey(req) { throw new Error("boom"); }`, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.PartitionKey("eth", request(t, "m", nil))
	require.ErrorContains(t, err, "boom")
	require.Zero(t, s.MemoLen())
}

func TestScript_Timeout(t *testing.T) {
	t.Parallel()

	s, err := New(`function partitionKey(req) { if (req.method === "spin") { for (;;) {} } return "ok"; }`, zerolog.Nop())
	require.NoError(t, err)
	s.SetTimeout(20 * time.Millisecond)

	_, err = s.PartitionKey("eth", request(t, "spin", nil))
	require.ErrorIs(t, err, ErrTimeout)

	key, err := s.PartitionKey("eth", request(t, "fine", nil))
	require.NoError(t, err)
	require.Equal(t, "ok", key)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "key.js")
	require.NoError(t, os.WriteFile(path, []byte(`function partitionKey() { return "k"; }`), 0o644))

	s, err := Load(path, zerolog.Nop())
	require.NoError(t, err)
	key, err := s.PartitionKey("eth", request(t, "m", nil))
	require.NoError(t, err)
	require.Equal(t, "k", key)

	_, err = Load(filepath.Join(t.TempDir(), "missing.js"), zerolog.Nop())
	require.Error(t, err)
}
