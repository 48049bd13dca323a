package imapclient

import (
	"errors"
	"testing"
)

func TestNumSet(t *testing.T) {
	for _, s := range []string{"1", "1:3,7,9:11", "9:3", "1:*", "*", "4294967295"} {
		ns, err := ParseNumSet(s)
		tcheckf(t, err, "parse %q", s)
		tcompare(t, ns.String(), s)
	}

	ns, err := ParseNumSet("1:3,7")
	tcheckf(t, err, "parse")
	tcompare(t, ns, NumSet{Ranges: []NumRange{{1, 3}, {7, 7}}})

	for _, s := range []string{"", "0", "1:0", "01", "+1", "1,", "a", "4294967296", "1::2"} {
		_, err := ParseNumSet(s)
		if !errors.Is(err, errSeqSet) {
			t.Fatalf("parse %q: got err %v, expected errSeqSet", s, err)
		}
	}
}

func TestSeqIter(t *testing.T) {
	iter := func(s string) ([]uint32, error) {
		var l []uint32
		it := NewSeqIter(s)
		for {
			v, ok, err := it.Next()
			if err != nil {
				return l, err
			}
			if !ok {
				return l, nil
			}
			l = append(l, v)
		}
	}

	l, err := iter("1:3,7,9:11")
	tcheckf(t, err, "iter")
	tcompare(t, l, []uint32{1, 2, 3, 7, 9, 10, 11})

	l, err = iter("9:7,2")
	tcheckf(t, err, "iter descending")
	tcompare(t, l, []uint32{9, 8, 7, 2})

	l, err = iter("5:5")
	tcheckf(t, err, "iter single range")
	tcompare(t, l, []uint32{5})

	l, err = iter("1,3:*")
	if !errors.Is(err, errSeqSet) {
		t.Fatalf("got err %v, expected errSeqSet", err)
	}
	tcompare(t, l, []uint32{1})
}

func TestCompactUIDs(t *testing.T) {
	tcompare(t, CompactUIDs(nil), NumSet{})
	tcompare(t, CompactUIDs([]uint32{11, 1, 2, 3, 7, 9, 10, 3}).String(), "1:3,7,9:11")
}

func TestSplitNumSet(t *testing.T) {
	ns := CompactUIDs([]uint32{1, 3, 5, 7, 100, 101, 102})
	l := splitNumSet(ns, 5)
	var strs []string
	for _, x := range l {
		strs = append(strs, x.String())
	}
	tcompare(t, strs, []string{"1,3,5", "7", "100:102"})

	// Everything fits.
	tcompare(t, splitNumSet(ns, 100), []NumSet{ns})
	tcompare(t, splitNumSet(NumSet{}, 10), []NumSet(nil))
}

func TestMSNIndex(t *testing.T) {
	var x MSNIndex
	msgs := make([]*Message, 6)
	for i := range msgs {
		msgs[i] = &Message{UID: uint32(10 + i)}
		x.Set(uint32(i+1), msgs[i])
	}
	tcompare(t, x.Highest(), uint32(6))
	tcompare(t, x.Get(3), msgs[2])
	tcompare(t, x.Get(0) == nil, true)
	tcompare(t, x.Get(7) == nil, true)

	// Expunges in descending order, as servers send them for "1:3".
	for _, msn := range []uint32{3, 2, 1} {
		m := x.expunge(msn)
		tcompare(t, m, msgs[msn-1])
		tcompare(t, m.MSN, uint32(0))
	}
	tcompare(t, x.Highest(), uint32(3))
	for msn := uint32(1); msn <= 3; msn++ {
		m := x.Get(msn)
		tcompare(t, m, msgs[msn+2])
		tcompare(t, m.MSN, msn)
	}

	// Ascending expunges of the same messages shift between each.
	x.expunge(1)
	x.expunge(1)
	tcompare(t, x.Highest(), uint32(1))
	tcompare(t, x.Get(1).UID, uint32(15))

	x.Remove(1)
	tcompare(t, x.Get(1) == nil, true)

	x.Set(4, msgs[0])
	x.Shrink(2)
	tcompare(t, x.Highest(), uint32(2))
	tcompare(t, x.Get(4) == nil, true)

	x.Reset()
	tcompare(t, x.Highest(), uint32(0))
}

func TestMSNIndexOverflow(t *testing.T) {
	defer func() {
		x := recover()
		err, ok := x.(error)
		if !ok || !errors.Is(err, ErrIndexOverflow) {
			t.Fatalf("got panic %v, expected ErrIndexOverflow", x)
		}
	}()
	var x MSNIndex
	x.Reserve(maxIndexSlots + 1)
}

func FuzzParseNumSet(f *testing.F) {
	f.Add("1:3,7,9:11")
	f.Add("9:3")
	f.Add("1:*")
	f.Add("4294967295")
	f.Fuzz(func(t *testing.T, s string) {
		ns, err := ParseNumSet(s)
		if err == nil {
			xns, err := ParseNumSet(ns.String())
			tcheckf(t, err, "parsing %q, from %q", ns.String(), s)
			tcompare(t, xns, ns)
		}

		it := NewSeqIter(s)
		for i := 0; i < 1000; i++ {
			if _, ok, err := it.Next(); !ok || err != nil {
				break
			}
		}
	})
}
