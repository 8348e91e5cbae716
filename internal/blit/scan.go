package blit

// dirtyRun is the tightest sub-span of one scanline whose pixels differ
// from the shadow copy: indices [first, last) relative to the compared
// slices.
type dirtyRun struct {
	first int
	last  int
}

// findDirty narrows a row to its changed sub-span: forward scan to the
// first differing pixel, backward scan to the last. Interior pixels that
// happen to match the shadow are still re-sent; only the ends are
// trimmed, which keeps the scan at two pointers per row.
func findDirty(cur, shadow []uint16) (dirtyRun, bool) {
	first := -1
	for i := range cur {
		if cur[i] != shadow[i] {
			first = i
			break
		}
	}
	if first < 0 {
		return dirtyRun{}, false
	}
	last := first + 1
	for i := len(cur) - 1; i > first; i-- {
		if cur[i] != shadow[i] {
			last = i + 1
			break
		}
	}
	return dirtyRun{first: first, last: last}, true
}
