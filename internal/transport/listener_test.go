package transport

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/deixis/cellkernel/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAllocateAddress_Unique(t *testing.T) {
	dir := t.TempDir()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		addr := AllocateAddress(dir, "test")
		require.False(t, seen[addr], "duplicate address %s", addr)
		seen[addr] = true

		assert.Equal(t, dir, filepath.Dir(addr))
		assert.True(t, strings.HasPrefix(filepath.Base(addr), "test-"), addr)
		assert.True(t, strings.HasSuffix(addr, ".sock"), addr)
	}
}

func TestAllocateAddress_Defaults(t *testing.T) {
	addr := AllocateAddress("", "")
	assert.Equal(t, filepath.Clean(os.TempDir()), filepath.Dir(addr))
	assert.True(t, strings.HasPrefix(filepath.Base(addr), DefaultNamespace+"-"), addr)
}

func newListener(t *testing.T) (*Listener, string) {
	t.Helper()
	l := &Listener{Log: zaptest.NewLogger(t)}
	addr := AllocateAddress(testutil.SocketDir(t), "test")
	require.NoError(t, l.Listen(addr))
	t.Cleanup(func() { _ = l.Close() })
	return l, addr
}

func TestListen_AddressInUse(t *testing.T) {
	_, addr := newListener(t)

	other := &Listener{}
	err := other.Listen(addr)
	require.Error(t, err)

	var bindErr ErrBind
	require.True(t, errors.As(err, &bindErr), "want ErrBind, got %T", err)
	assert.Equal(t, addr, bindErr.Addr)
}

func TestListen_Twice(t *testing.T) {
	l, _ := newListener(t)
	err := l.Listen(AllocateAddress(testutil.SocketDir(t), "test"))
	var bindErr ErrBind
	require.True(t, errors.As(err, &bindErr))
}

func TestAcceptOnce(t *testing.T) {
	l, addr := newListener(t)
	assert.Equal(t, addr, l.Addr())

	client, err := net.Dial("unix", addr)
	require.NoError(t, err)
	defer client.Close()

	conn, err := l.AcceptOnce(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = client.Write([]byte("ping\n"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(buf))
}

func TestAcceptOnce_RejectsSecondPeer(t *testing.T) {
	l, addr := newListener(t)

	first, err := net.Dial("unix", addr)
	require.NoError(t, err)
	defer first.Close()

	conn, err := l.AcceptOnce(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	second, err := net.Dial("unix", addr)
	require.NoError(t, err)
	defer second.Close()

	// The listener closes the intruder; reads observe EOF.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)

	// The first connection is unaffected.
	_, err = first.Write([]byte("x"))
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))

	_, err = l.AcceptOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyAccepted)
}

func TestAcceptOnce_NotListening(t *testing.T) {
	l := &Listener{}
	_, err := l.AcceptOnce(context.Background())
	assert.ErrorIs(t, err, ErrNotListening)
}

func TestAcceptOnce_ContextCancelled(t *testing.T) {
	l, _ := newListener(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := l.AcceptOnce(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_RemovesSocketAndIsIdempotent(t *testing.T) {
	l, addr := newListener(t)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := os.Stat(addr)
	assert.True(t, os.IsNotExist(err), "socket file should be removed, stat err = %v", err)

	assert.ErrorIs(t, l.Listen(addr), ErrClosed)
}

func TestAcceptOnce_RacingClose(t *testing.T) {
	dir := testutil.SocketDir(t)
	for i := 0; i < 50; i++ {
		l := &Listener{Log: zaptest.NewLogger(t)}
		addr := AllocateAddress(dir, "race")
		require.NoError(t, l.Listen(addr))

		dialed := make(chan net.Conn, 1)
		go func() {
			c, _ := net.Dial("unix", addr)
			dialed <- c
		}()
		accepted := make(chan error, 1)
		go func() {
			conn, err := l.AcceptOnce(context.Background())
			if conn != nil {
				_ = conn.Close()
			}
			accepted <- err
		}()

		assert.NoError(t, l.Close())
		if err := <-accepted; err != nil {
			assert.ErrorIs(t, err, ErrClosed)
		}
		if c := <-dialed; c != nil {
			_ = c.Close()
		}
	}
}
