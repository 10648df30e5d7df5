package session

import (
	"net"

	"github.com/sandertv/go-raknet"
)

// RakNetListener accepts packet connections over RakNet. It is an optional
// transport for hosts that want reliable-ordered datagrams without bringing
// their own framing.
type RakNetListener struct {
	l *raknet.Listener
}

// ListenRakNet starts a RakNet listener on the address passed.
func ListenRakNet(address string) (*RakNetListener, error) {
	l, err := raknet.Listen(address)
	if err != nil {
		return nil, err
	}
	return &RakNetListener{l: l}, nil
}

// Accept blocks until the next connection is opened and returns it as a Conn.
func (l *RakNetListener) Accept() (Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return &datagramConn{c: c}, nil
}

// Close stops the listener.
func (l *RakNetListener) Close() error { return l.l.Close() }

// DialRakNet opens a RakNet connection to the address passed and returns it
// as a Conn.
func DialRakNet(address string) (Conn, error) {
	c, err := raknet.Dial(address)
	if err != nil {
		return nil, err
	}
	return &datagramConn{c: c}, nil
}

// datagramConn adapts a datagram-oriented net.Conn, where each Read returns
// exactly one packet, to the Conn interface.
type datagramConn struct {
	c   net.Conn
	buf [1 << 16]byte
}

func (c *datagramConn) ReadPacket() ([]byte, error) {
	n, err := c.c.Read(c.buf[:])
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, c.buf[:n])
	return b, nil
}

func (c *datagramConn) WritePacket(b []byte) error {
	_, err := c.c.Write(b)
	return err
}

func (c *datagramConn) Close() error { return c.c.Close() }
