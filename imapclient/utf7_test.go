package imapclient

import (
	"errors"
	"fmt"
	"testing"
)

func TestUTF7(t *testing.T) {
	check := func(input string, output string, expErr error) {
		t.Helper()

		r, err := utf7decode(input)
		if (expErr == nil) != (err == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("decoding %q: got err %v, expected %v", input, err, expErr)
		}
		if r != output {
			t.Fatalf("decoding %q: got %q, expected %q", input, r, output)
		}
		if expErr == nil {
			if enc := utf7encode(output); enc != input {
				t.Fatalf("encoding %q: got %q, expected %q", output, enc, input)
			}
		}
	}

	surrogates := func(buf ...byte) string {
		return fmt.Sprintf("&%s-", utf7encoding.EncodeToString(buf))
	}

	check("Archive", "Archive", nil)
	check("&-", "&", nil)
	check("R&-D", "R&D", nil)
	check("&Jjo-", "☺", nil)
	check("Lists/&Jjo-/x", "Lists/☺/x", nil)
	check("&Jjo-&-", "", errUTF7SuperfluousShift)
	check("&Jjo", "", errUTF7UnfinishedShift)
	check("&AGE-", "", errUTF7UnneededShift)
	check("&YQ-", "", errUTF7OddSized)
	check("&!!-", "", errUTF7Base64)
	check("&2AHcNw-", "𐐷", nil)
	check(surrogates(0xdc, 0x00, 0xd8, 0x00), "", errUTF7BadSurrogate)
	check(surrogates(0xd8, 0x00), "", errUTF7BadSurrogate)
	check(surrogates(0xd8, 0x00, 0x00, 0x41), "", errUTF7BadSurrogate)
	check("&ZeVnLIqe-", "日本語", nil)
}

func TestUTF7EncodeNormalizes(t *testing.T) {
	// Decomposed é is composed before encoding.
	tcompare(t, utf7encode("cafe\u0301"), "caf&AOk-")
	tcompare(t, utf7encode("caf\u00e9"), "caf&AOk-")
	tcompare(t, utf7encode("a\tb"), "a&AAk-b")
}
