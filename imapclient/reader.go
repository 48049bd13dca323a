package imapclient

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/mjl-/imapsync/mlog"
)

// Limits on responses, a server must not make us allocate unbounded memory.
const (
	maxLineSize        = 1 << 20
	defaultMaxLiteral  = 256 << 20
	maxLiteralsPerLine = 1000
)

var errLineTooLong = errors.New("response line too long")

// xreadLine reads a line, without the CRLF. A bare LF is accepted as line
// ending, some servers send them.
func (c *Conn) xreadLine() []byte {
	var line []byte
	for {
		buf, err := c.br.ReadSlice('\n')
		line = append(line, buf...)
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			if len(line) > maxLineSize {
				c.xfatalf("%w: %w", ErrProtocol, errLineTooLong)
			}
			continue
		}
		if errors.Is(err, io.EOF) && len(line) == 0 && c.loggingOut {
			c.xfatalf("%w: connection closed after logout", ErrBye)
		}
		c.xfatalf("%w: reading response: %w", ErrTransport, err)
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line
}

// literalSize returns the size of the literal announced at the end of line,
// e.g. "{123}" or "~{123}" for literal8.
func literalSize(line []byte) (int64, bool) {
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false
	}
	i := bytes.LastIndexByte(line, '{')
	if i < 0 {
		return 0, false
	}
	s := string(line[i+1 : len(line)-1])
	s = strings.TrimSuffix(s, "+")
	size, err := strconv.ParseInt(s, 10, 64)
	if err != nil || size < 0 {
		return 0, false
	}
	return size, true
}

// xreadResponse reads a complete response: the line, and any literals with
// the lines that follow them. Literal data is included inline after its
// "{n}\r\n" announcement.
func (c *Conn) xreadResponse() []byte {
	line := c.xreadLine()
	buf := line
	for i := 0; ; i++ {
		size, ok := literalSize(line)
		if !ok {
			break
		}
		if i >= maxLiteralsPerLine {
			c.xfatalf("%w: too many literals in response", ErrProtocol)
		}
		if size > c.maxLiteral {
			c.xfatalf("%w: literal of %d bytes exceeds maximum %d", ErrProtocol, size, c.maxLiteral)
		}
		buf = append(buf, "\r\n"...)
		o := len(buf)
		buf = append(buf, make([]byte, size)...)
		c.tr.SetTrace(mlog.LevelTracedata)
		_, err := io.ReadFull(c.br, buf[o:])
		c.tr.SetTrace(mlog.LevelTrace)
		if err != nil {
			c.xfatalf("%w: reading literal: %w", ErrTransport, err)
		}
		line = c.xreadLine()
		buf = append(buf, line...)
	}
	return buf
}
