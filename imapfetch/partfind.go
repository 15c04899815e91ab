package imapfetch

import (
	"math"

	"github.com/mjl-/sectfetch/message"
)

// FindPart resolves the leading part numbers of section, e.g. "1.2" in
// "1.2.HEADER", returning the index of the part and the remainder of section
// ("HEADER"). On a multipart part, a number selects a subpart. On other parts,
// only 1 is valid and selects the part itself.
func FindPart(st *message.Structure, section string) (int, string, error) {
	if len(st.Parts) == 0 {
		return -1, "", ErrNotFound
	}
	i := st.Root()
	s := section
	for len(s) > 0 && isDigit(s[0]) {
		var num int64
		for len(s) > 0 && s[0] != '.' {
			if !isDigit(s[0]) {
				return -1, "", ErrNotFound
			}
			num = num*10 + int64(s[0]-'0')
			if num > math.MaxInt32 {
				return -1, "", ErrNotFound
			}
			s = s[1:]
		}
		if len(s) > 0 {
			s = s[1:]
		}

		if st.Parts[i].IsMultipart() {
			c, ok := st.Child(i, int(num))
			if !ok {
				return -1, "", ErrNotFound
			}
			i = c
		} else if num != 1 {
			return -1, "", ErrNotFound
		}
	}
	return i, s, nil
}
