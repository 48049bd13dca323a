package imapclient

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

var errSeqSet = errors.New("bad sequence set")

// NumRange is a single number or a range. For a single number, Last equals
// First. A value 0 represents "*".
type NumRange struct {
	First uint32
	Last  uint32
}

func (nr NumRange) String() string {
	num := func(v uint32) string {
		if v == 0 {
			return "*"
		}
		return strconv.FormatUint(uint64(v), 10)
	}
	if nr.First == nr.Last {
		return num(nr.First)
	}
	return num(nr.First) + ":" + num(nr.Last)
}

// NumSet is a set of message sequence numbers or UIDs, e.g. "1:3,7,9:11".
type NumSet struct {
	Ranges []NumRange
}

func (ns NumSet) IsZero() bool {
	return len(ns.Ranges) == 0
}

func (ns NumSet) String() string {
	var b strings.Builder
	for i, r := range ns.Ranges {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(r.String())
	}
	return b.String()
}

// ParseNumSet parses a sequence set. Ranges are kept as written, including
// descending ranges like "9:3".
func ParseNumSet(s string) (NumSet, error) {
	var ns NumSet
	if s == "" {
		return ns, fmt.Errorf("%w: empty", errSeqSet)
	}
	for _, t := range strings.Split(s, ",") {
		first, last, isRange := strings.Cut(t, ":")
		a, err := parseSeqNum(first)
		if err != nil {
			return NumSet{}, err
		}
		b := a
		if isRange {
			if b, err = parseSeqNum(last); err != nil {
				return NumSet{}, err
			}
		}
		ns.Ranges = append(ns.Ranges, NumRange{a, b})
	}
	return ns, nil
}

func parseSeqNum(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	if s == "" || s[0] == '0' || s[0] == '+' {
		return 0, fmt.Errorf("%w: bad number %q", errSeqSet, s)
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errSeqSet, err)
	}
	return uint32(v), nil
}

// SeqIter iterates over the numbers of a textual sequence set, in the order
// they are written. Descending ranges are walked downwards, "9:7" yields 9,
// 8, 7. A "*" cannot be iterated over and results in an error.
type SeqIter struct {
	s        string
	down     bool
	cur, end uint32
	inRange  bool
}

// NewSeqIter returns an iterator for the sequence set s.
func NewSeqIter(s string) *SeqIter {
	return &SeqIter{s: s}
}

// Next returns the next number. When the set is exhausted, ok is false and
// err is nil.
func (it *SeqIter) Next() (v uint32, ok bool, err error) {
	if it.inRange {
		if it.cur == it.end {
			it.inRange = false
		} else {
			if it.down {
				it.cur--
			} else {
				it.cur++
			}
			return it.cur, true, nil
		}
	}
	if it.s == "" {
		return 0, false, nil
	}
	var t string
	t, it.s, _ = strings.Cut(it.s, ",")
	first, last, isRange := strings.Cut(t, ":")
	a, err := parseSeqNum(first)
	if err == nil && a == 0 {
		err = fmt.Errorf("%w: cannot iterate over *", errSeqSet)
	}
	if err != nil {
		it.s = ""
		return 0, false, err
	}
	if !isRange {
		return a, true, nil
	}
	b, err := parseSeqNum(last)
	if err == nil && b == 0 {
		err = fmt.Errorf("%w: cannot iterate over *", errSeqSet)
	}
	if err != nil {
		it.s = ""
		return 0, false, err
	}
	it.cur, it.end, it.down, it.inRange = a, b, b < a, a != b
	return a, true, nil
}

// CompactUIDs returns the smallest set of ranges for the UIDs, which
// need not be sorted or unique.
func CompactUIDs(uids []uint32) NumSet {
	l := slices.Clone(uids)
	slices.Sort(l)
	l = slices.Compact(l)
	var ns NumSet
	for _, uid := range l {
		n := len(ns.Ranges)
		if n > 0 && ns.Ranges[n-1].Last+1 == uid {
			ns.Ranges[n-1].Last = uid
			continue
		}
		ns.Ranges = append(ns.Ranges, NumRange{uid, uid})
	}
	return ns
}

// IndexUIDSet returns the UIDs of the messages in the index as compact sequence
// set, as persisted with the header cache to know which messages are cached.
func IndexUIDSet(x *MSNIndex) string {
	var ns NumSet
	for msn := uint32(1); msn <= x.Highest(); msn++ {
		m := x.Get(msn)
		if m == nil || !m.Active {
			continue
		}
		n := len(ns.Ranges)
		if n > 0 && ns.Ranges[n-1].Last+1 == m.UID {
			ns.Ranges[n-1].Last = m.UID
			continue
		}
		ns.Ranges = append(ns.Ranges, NumRange{m.UID, m.UID})
	}
	return ns.String()
}

// splitNumSet splits ns in sets of which the string form is at most budget
// bytes long. A single range longer than budget gets its own set.
func splitNumSet(ns NumSet, budget int) []NumSet {
	var l []NumSet
	var cur NumSet
	var size int
	for _, r := range ns.Ranges {
		n := len(r.String())
		if len(cur.Ranges) > 0 && size+1+n > budget {
			l = append(l, cur)
			cur = NumSet{}
			size = 0
		}
		if len(cur.Ranges) > 0 {
			size++
		}
		cur.Ranges = append(cur.Ranges, r)
		size += n
	}
	if len(cur.Ranges) > 0 {
		l = append(l, cur)
	}
	return l
}
