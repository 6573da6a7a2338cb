package focuser

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/astrotask/comm"
	"github.com/nasa-jpl/astrotask/motion"
)

// fakeController speaks the ASCII protocol and reaches its target after a
// fixed number of MOVING? queries.
type fakeController struct {
	mu     sync.Mutex
	pos    int
	target int
	polls  int
	log    []string
}

func (f *fakeController) handle(cmd string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, cmd)
	switch {
	case cmd == "POS?":
		return strconv.Itoa(f.pos)
	case cmd == "MOVING?":
		if f.pos == f.target {
			return "0"
		}
		f.polls++
		if f.polls >= 2 {
			f.pos = f.target
			f.polls = 0
		}
		return "1"
	case strings.HasPrefix(cmd, "MOV "):
		n, err := strconv.Atoi(strings.TrimPrefix(cmd, "MOV "))
		if err != nil || n < 0 {
			return "ERR out of range"
		}
		f.target = n
		return "OK"
	case cmd == "HALT":
		f.target = f.pos
		return "OK"
	}
	return "ERR unknown command"
}

func (f *fakeController) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func serve(t *testing.T, f *fakeController) *comm.RemoteDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\r')
					if err != nil {
						return
					}
					c.Write([]byte(f.handle(strings.TrimSuffix(line, "\r")) + "\r"))
				}
			}()
		}
	}()
	dev := comm.NewRemoteDevice(ln.Addr().String(), nil)
	dev.SetRate(time.Millisecond)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestASCIIMove(t *testing.T) {
	f := &fakeController{pos: 100, target: 100}
	foc := NewASCII(serve(t, f))
	var _ motion.Controller = foc

	pos, err := foc.GetPos("")
	require.NoError(t, err)
	assert.Equal(t, 100.0, pos)

	ax := motion.Axis{Ctl: foc, Poll: time.Millisecond}
	require.NoError(t, ax.MoveTo(context.Background(), 1234.4, time.Second))
	pos, err = foc.GetPos("")
	require.NoError(t, err)
	assert.Equal(t, 1234.0, pos)
	assert.Contains(t, f.commands(), "MOV 1234")
}

func TestASCIIErrors(t *testing.T) {
	f := &fakeController{}
	foc := NewASCII(serve(t, f))

	err := foc.MoveAbs("", -5)
	assert.ErrorIs(t, err, ErrController)
	assert.Contains(t, err.Error(), "out of range")

	require.NoError(t, foc.MoveAbs("", 50))
	ok, err := foc.GetInPosition("")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, foc.Halt())
	ok, err = foc.GetInPosition("")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestASCIICancelledMoveHalts(t *testing.T) {
	f := &fakeController{pos: 100, target: 100}
	foc := NewASCII(serve(t, f))
	var _ motion.Stopper = foc

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ax := motion.Axis{Ctl: foc, Poll: time.Millisecond}
	err := ax.MoveTo(ctx, 500, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Contains(t, f.commands(), "HALT")
	pos, err := foc.GetPos("")
	require.NoError(t, err)
	assert.Equal(t, 100.0, pos)
	ok, err := foc.GetInPosition("")
	require.NoError(t, err)
	assert.True(t, ok)
}
