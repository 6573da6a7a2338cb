/*Package comm provides the line-oriented transport used to talk to ASCII
devices such as focuser controllers, over TCP or a serial port.

Commands are sent with a terminator appended and answered with a single
terminated line.  A RemoteDevice is safe for concurrent use; commands are
serialized, paced so slow controllers are not flooded, and the connection is
(re)opened on demand with an exponential backoff.

	d := comm.NewRemoteDevice("192.168.1.40:2000", nil)
	resp, err := d.SendRecv(ctx, []byte("POS?"))
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

var (
	terminator = byte('\r')

	// ErrNotConnected is generated when Send or Recv is called without a
	// connection.
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// SendRecver can send a command and receive its response.
type SendRecver interface {
	SendRecv(context.Context, []byte) ([]byte, error)
}

// RemoteDevice is a device at a TCP address or behind a serial port.
type RemoteDevice struct {
	// Addr is host:port for TCP devices, informational for serial ones
	Addr string

	// Serial, if not nil, selects a serial connection
	Serial *serial.Config

	// Timeout bounds connecting and every command, 3s if zero
	Timeout time.Duration

	// Tx and Rx are the terminators, carriage return if zero
	Tx, Rx byte

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	rd      *bufio.Reader
	limiter *rate.Limiter
}

// NewRemoteDevice creates a new RemoteDevice.  A nil serial config means
// TCP.
func NewRemoteDevice(addr string, conf *serial.Config) *RemoteDevice {
	return &RemoteDevice{
		Addr:    addr,
		Serial:  conf,
		limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 1),
	}
}

// SetRate sets the minimum interval between commands.
func (rd *RemoteDevice) SetRate(every time.Duration) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.limiter = rate.NewLimiter(rate.Every(every), 1)
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout == 0 {
		return 3 * time.Second
	}
	return rd.Timeout
}

// TxTerminator returns the transmission termination byte
func (rd *RemoteDevice) TxTerminator() byte {
	if rd.Tx == 0 {
		return terminator
	}
	return rd.Tx
}

// RxTerminator returns the receipt termination byte
func (rd *RemoteDevice) RxTerminator() byte {
	if rd.Rx == 0 {
		return terminator
	}
	return rd.Rx
}

// Open the connection if it is not open already.
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.openLocked()
}

func (rd *RemoteDevice) openLocked() error {
	if rd.conn != nil {
		return nil
	}
	// controllers do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.dial()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return err
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.timeout(),
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) dial() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if rd.Serial != nil {
		conf := *rd.Serial
		if conf.ReadTimeout == 0 {
			conf.ReadTimeout = rd.timeout()
		}
		conn, err = serial.OpenPort(&conf)
	} else {
		conn, err = net.DialTimeout("tcp", rd.Addr, rd.timeout())
	}
	if err != nil {
		return err
	}
	rd.conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.closeLocked()
}

func (rd *RemoteDevice) closeLocked() error {
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rd = nil
	return err
}

func (rd *RemoteDevice) deadline() {
	if c, ok := rd.conn.(net.Conn); ok {
		c.SetDeadline(time.Now().Add(rd.timeout()))
	}
}

// send must be called with the lock held.
func (rd *RemoteDevice) send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	rd.deadline()
	msg := make([]byte, 0, len(b)+1)
	msg = append(msg, b...)
	msg = append(msg, rd.TxTerminator())
	_, err := rd.conn.Write(msg)
	return err
}

// recv must be called with the lock held.
func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	rd.deadline()
	term := rd.RxTerminator()
	buf, err := rd.rd.ReadBytes(term)
	if err != nil {
		if len(buf) > 0 && errors.Is(err, io.EOF) {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	buf = bytes.TrimSuffix(buf, []byte{term})
	// tolerate CRLF from devices answering with \r\n
	return bytes.TrimSuffix(bytes.TrimPrefix(buf, []byte{'\n'}), []byte{'\r'}), nil
}

func (rd *RemoteDevice) exchange(ctx context.Context, b []byte, reply bool) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.limiter != nil {
		if err := rd.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := rd.openLocked(); err != nil {
		return nil, err
	}
	if err := rd.send(b); err != nil {
		rd.closeLocked()
		return nil, err
	}
	if !reply {
		return nil, nil
	}
	resp, err := rd.recv()
	if err != nil {
		rd.closeLocked()
		return nil, err
	}
	return resp, nil
}

// Send writes a command that has no response.
func (rd *RemoteDevice) Send(ctx context.Context, b []byte) error {
	_, err := rd.exchange(ctx, b, false)
	return err
}

// SendRecv sends a command then returns the response with the terminator
// stripped.  A failed exchange drops the connection so the next command
// reconnects.
func (rd *RemoteDevice) SendRecv(ctx context.Context, b []byte) ([]byte, error) {
	return rd.exchange(ctx, b, true)
}
