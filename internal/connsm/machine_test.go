package connsm

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfscache/metastore/internal/connsm/auth"
)

// ============================================================================
// Test Helper Types
// ============================================================================

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeConn struct {
	written [][]byte
	closed  bool
	local   net.Addr
	remote  net.Addr
}

func (c *fakeConn) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	c.written = append(c.written, cp)
	return len(p), nil
}
func (c *fakeConn) Close() error         { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr  { return c.local }
func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }

type fakeLoop struct {
	conn      *fakeConn
	dialErr   error
	now       time.Time
	shutdown  bool
	onData    func([]byte)
	onClosed  func(error)
	timeouts  []func()
}

func (l *fakeLoop) RegisterTimeout(d time.Duration, f func()) { l.timeouts = append(l.timeouts, f) }

func (l *fakeLoop) Dial(addr string, onData func([]byte), onClosed func(error)) (Conn, error) {
	if l.dialErr != nil {
		return nil, l.dialErr
	}
	l.onData = onData
	l.onClosed = onClosed
	return l.conn, nil
}

func (l *fakeLoop) Now() time.Time { return l.now }
func (l *fakeLoop) Shutdown()      { l.shutdown = true }

type fakeDisconnector struct {
	reasons []string
}

func (d *fakeDisconnector) OnMetaServerDisconnect(reason string) {
	d.reasons = append(d.reasons, reason)
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{
		conn: &fakeConn{local: fakeAddr("10.0.0.5:5000"), remote: fakeAddr("10.0.0.1:20000")},
		now:  time.Now(),
	}
}

func longReply(seq int64, status int, extra string) []byte {
	return []byte(fmt.Sprintf("OK\r\nCseq: %d\r\nStatus: %d\r\nContent-length: 0\r\n%s\r\n", seq, status, extra))
}

// ============================================================================
// Clean handshake (no auth)
// ============================================================================

func TestConnectSendsHelloStep0(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4, ClusterKey: "ck", MetaMd5: "md5"}, loop, auth.NoopBackend{}, disc, nil)

	require.NoError(t, cs.Connect())

	assert.Equal(t, StateHelloStep0, cs.State())
	require.Len(t, loop.conn.written, 2) // header block, then the non-empty HELLO body as a second write
}

func TestCleanHandshakeReachesHandshakeDone(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())

	loop.onData(longReply(1, 0, "Resume: 0\r\n"))

	assert.Equal(t, StateHandshakeDone, cs.State())
	assert.Empty(t, disc.reasons)
}

func TestHelloStep0RequestsStep1WhenResumeAdvances(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())

	loop.onData(longReply(1, 0, "Resume: 1\r\n"))
	assert.Equal(t, StateHelloStep1, cs.State())

	loop.onData(longReply(2, 0, "Resume: 1\r\n"))
	assert.Equal(t, StateHandshakeDone, cs.State())
}

// ============================================================================
// Cluster key mismatch (fatal)
// ============================================================================

func TestClusterKeyMismatchShutsDownEventLoop(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())

	loop.onData(longReply(1, -EBadClusterKey, ""))

	assert.True(t, loop.shutdown)
}

// ============================================================================
// Sequence mismatch (protocol error)
// ============================================================================

func TestUnknownSequenceTriggersError(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())

	loop.onData(longReply(999, 0, "Resume: 0\r\n"))

	assert.Equal(t, StateDisconnected, cs.State())
	assert.True(t, loop.conn.closed)
	require.Len(t, disc.reasons, 1)
}

// ============================================================================
// Format negotiation
// ============================================================================

func TestShortFormatDetectedOnFirstReply(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4, RequestShortFormat: true}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())

	loop.onData([]byte("OK\r\nc: 1\r\ns: 0\r\nl: 0\r\nR: 0\r\n\r\n"))

	assert.Equal(t, FormatShort, cs.rpcFormat)
	assert.Equal(t, StateHandshakeDone, cs.State())
}

// ============================================================================
// Authentication gate on dispatch
// ============================================================================

func TestAuthenticationSendsRequestThenHello(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	backend := &auth.PSKBackend{KeyID: "k1", Key: []byte("secret")}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4, AuthTypeBitmap: "PSK"}, loop, backend, disc, nil)

	require.NoError(t, cs.Connect())
	assert.Equal(t, StateAuthenticating, cs.State())
	require.Len(t, loop.conn.written, 2) // AUTHENTICATE request went out despite the auth gate

	// Server accepts: the reply names the PSK scheme and carries
	// HMAC(key, nonce), where the nonce follows "k1:" in the request body.
	nonce := loop.conn.written[1][len("k1:"):]
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(nonce)
	proof := mac.Sum(nil)
	reply := fmt.Sprintf("OK\r\nCseq: 1\r\nStatus: 0\r\nProto-name: PSK\r\nContent-length: %d\r\n\r\n", len(proof))
	loop.onData(append([]byte(reply), proof...))

	assert.Equal(t, StateHelloStep0, cs.State())
	assert.Len(t, loop.conn.written, 4) // HELLO header + body followed the accepted AUTHENTICATE
	assert.Empty(t, disc.reasons)
}

// ============================================================================
// Inactivity timeout
// ============================================================================

func TestInactivityTimeoutDisconnects(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4, InactivityTimeout: time.Minute}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())
	loop.onData(longReply(1, 0, "Resume: 0\r\n"))
	require.Equal(t, StateHandshakeDone, cs.State())

	loop.now = loop.now.Add(2 * time.Minute)
	cs.Tick(loop.now)

	assert.Equal(t, StateDisconnected, cs.State())
	require.Len(t, disc.reasons, 1)
}

func TestTickIsNoopBeforeHandshakeDone(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4, InactivityTimeout: time.Second}, loop, auth.NoopBackend{}, disc, nil)
	require.NoError(t, cs.Connect())

	loop.now = loop.now.Add(time.Hour)
	cs.Tick(loop.now)

	assert.Equal(t, StateHelloStep0, cs.State())
	assert.Empty(t, disc.reasons)
}

// ============================================================================
// Reconnect throttling
// ============================================================================

func TestReconnectThrottled(t *testing.T) {
	loop := newFakeLoop()
	disc := &fakeDisconnector{}
	cs := New(Config{Addr: "meta:20000", MaxPendingOps: 4, ReconnectMinInterval: time.Minute}, loop, auth.NoopBackend{}, disc, nil)

	require.NoError(t, cs.Connect())
	err := cs.Connect()
	assert.Error(t, err)
}
