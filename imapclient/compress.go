package imapclient

import (
	"bufio"
	"bytes"
	"compress/flate"
	"io"

	"github.com/mjl-/imapsync/mlog"
	"github.com/mjl-/imapsync/moxio"
)

// xcompress enables COMPRESS=DEFLATE, ../rfc/4978:136
//
// Reads are: conn, rawBR, flate, trace, br. Writes are: bw, trace, flate,
// flateBW, conn. Traces show the uncompressed protocol.
func (c *Conn) xcompress() {
	c.xexec(0, nil, "COMPRESS", Atom("DEFLATE"))

	// Bytes the server sent after the OK are compressed already.
	var conn io.Reader = c.conn
	if n := c.br.Buffered(); n > 0 {
		prefix := make([]byte, n)
		if _, err := io.ReadFull(c.br, prefix); err != nil {
			c.xfatalf("%w: reading buffered data: %v", ErrTransport, err)
		}
		conn = &moxio.PrefixConn{PrefixReader: bytes.NewReader(prefix), Conn: c.conn}
	}
	c.rawBR = bufio.NewReader(conn)
	// Servers end each response with a sync flush, which ends the deflate
	// block. The reader returns the data of a block once its end is read.
	c.tr = moxio.NewTraceReader(c.log, "S: ", flate.NewReader(c.rawBR))
	c.br = bufio.NewReader(c.tr)

	c.flateBW = bufio.NewWriter(c.conn)
	fw, err := flate.NewWriter(c.flateBW, flate.DefaultCompression)
	if err != nil {
		// Only for invalid levels.
		panic(err)
	}
	c.flateW = fw
	c.tw = moxio.NewTraceWriter(c.log, "C: ", fw)
	c.bw = bufio.NewWriter(c.tw)
	c.compressed = true
	c.log.Debug("compression enabled", mlog.Field("method", "deflate"))
}
