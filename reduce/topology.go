package reduce

// Parent returns the overlay tree parent of r. Rank 0 has none.
func Parent(r int) (int, bool) {
	if r <= 0 {
		return -1, false
	}
	return (r - 1) / 2, true
}

// Children returns the overlay tree children of r in a group of n ranks.
func Children(r, n int) []int {
	var out []int
	for _, c := range []int{2*r + 1, 2*r + 2} {
		if c < n {
			out = append(out, c)
		}
	}
	return out
}

// Depth returns the number of edges between r and the root.
func Depth(r int) int {
	d := 0
	for r > 0 {
		r = (r - 1) / 2
		d++
	}
	return d
}
