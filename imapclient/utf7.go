package imapclient

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// Modified UTF-7 for mailbox names, ../rfc/3501:964

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

var (
	errUTF7SuperfluousShift = errors.New("utf7: superfluous unshift+shift")
	errUTF7Base64           = errors.New("utf7: bad base64")
	errUTF7OddSized         = errors.New("utf7: odd-sized data")
	errUTF7UnneededShift    = errors.New("utf7: unneeded shift")
	errUTF7UnfinishedShift  = errors.New("utf7: unfinished shift")
	errUTF7BadSurrogate     = errors.New("utf7: bad utf16 surrogates")
)

func utf7decode(s string) (string, error) {
	var r strings.Builder
	var shifted bool
	var b strings.Builder
	lastunshift := -2

	for i, c := range s {
		if !shifted {
			if c == '&' {
				if lastunshift == i-1 {
					return "", errUTF7SuperfluousShift
				}
				shifted = true
			} else {
				r.WriteRune(c)
			}
			continue
		}

		if c != '-' {
			b.WriteRune(c)
			continue
		}

		shifted = false
		lastunshift = i
		if b.Len() == 0 {
			r.WriteByte('&')
			continue
		}
		buf, err := utf7encoding.DecodeString(b.String())
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errUTF7Base64, b.String(), err)
		}
		b.Reset()

		if len(buf)%2 != 0 {
			return "", errUTF7OddSized
		}
		x := make([]uint16, len(buf)/2)
		for j := range x {
			x[j] = uint16(buf[2*j])<<8 | uint16(buf[2*j+1])
		}
		need := false
		for j := 0; j < len(x); j++ {
			c := rune(x[j])
			if utf16.IsSurrogate(c) {
				if j+1 >= len(x) {
					return "", errUTF7BadSurrogate
				}
				c = utf16.DecodeRune(c, rune(x[j+1]))
				if c == unicode.ReplacementChar {
					return "", errUTF7BadSurrogate
				}
				j++
			}
			if c < 0x20 || c > 0x7e || c == '&' {
				need = true
			}
			r.WriteRune(c)
		}
		if !need {
			return "", errUTF7UnneededShift
		}
	}
	if shifted {
		return "", errUTF7UnfinishedShift
	}
	return r.String(), nil
}

// utf7encode encodes a mailbox name. The name is first normalized to NFC.
func utf7encode(s string) string {
	s = norm.NFC.String(s)
	var r strings.Builder
	var pending []rune
	flush := func() {
		if len(pending) == 0 {
			return
		}
		var buf []byte
		for _, c := range utf16.Encode(pending) {
			buf = append(buf, byte(c>>8), byte(c))
		}
		r.WriteByte('&')
		r.WriteString(utf7encoding.EncodeToString(buf))
		r.WriteByte('-')
		pending = nil
	}

	for _, c := range s {
		switch {
		case c == '&':
			flush()
			r.WriteString("&-")
		case c >= 0x20 && c <= 0x7e:
			flush()
			r.WriteRune(c)
		default:
			pending = append(pending, c)
		}
	}
	flush()
	return r.String()
}
