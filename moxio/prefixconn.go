package moxio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn prefixed with a reader that is first drained.
// Used for STARTTLS and COMPRESS, when a buffered reader already holds data
// that must be consumed by the new layer.
type PrefixConn struct {
	PrefixReader io.Reader // If not nil, reads are fulfilled from here. It is cleared when a read returns io.EOF.
	net.Conn
}

// Read returns data from PrefixReader while it is set, and from net.Conn
// afterwards.
func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader != nil {
		n, err := c.PrefixReader.Read(buf)
		if err == io.EOF {
			c.PrefixReader = nil
			if n == 0 {
				return c.Conn.Read(buf)
			}
			err = nil
		}
		return n, err
	}
	return c.Conn.Read(buf)
}
