package buffer

// path is a dense fractional position: a sequence of digits compared
// lexicographically, where a shorter path sorts before a longer path
// that extends it (like string comparison). Two fragments can always
// be separated by extending path depth by one digit, so new positions
// can always be allocated between any two existing ones without
// renumbering — the "dense order" of spec.md §4.3.
type path []uint32

func lessPath(a, b path) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func digitAt(p path, i int, ifMissing uint32) uint32 {
	if i < len(p) {
		return p[i]
	}
	return ifMissing
}

// pathBetween deterministically allocates a path strictly between
// prev and next (nil meaning -infinity / +infinity respectively).
// Determinism matters: two replicas independently inserting at the
// same gap relative to the same neighbors must compute the identical
// path so the only remaining tie-break is descending Λ, per spec.md
// §4.3 ("Ties ... broken by descending Λ").
func pathBetween(prev, next path) path {
	var out path
	for i := 0; ; i++ {
		p := digitAt(prev, i, 0)
		_, hasNext := boundDigit(next, i)
		if !hasNext {
			return append(append(path{}, out...), p+1)
		}
		n, _ := boundDigit(next, i)
		switch {
		case n > p+1:
			return append(append(path{}, out...), p+1)
		case n == p+1:
			out = append(out, p)
			q := digitAt(prev, i+1, 0)
			return append(append(path{}, out...), q+1)
		default: // n == p
			out = append(out, p)
		}
	}
}

func boundDigit(next path, i int) (uint32, bool) {
	if i >= len(next) {
		return 0, false
	}
	return next[i], true
}
