package util

func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// FitLength truncates src to n bytes, or repeats it until it is n bytes long.
// An empty src yields nil.
func FitLength(src []byte, n int) []byte {
	if len(src) == 0 {
		return nil
	}
	out := make([]byte, 0, n+len(src))
	for len(out) < n {
		out = append(out, src...)
	}
	return out[:n]
}
