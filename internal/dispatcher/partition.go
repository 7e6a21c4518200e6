package dispatcher

// Chunk is one contiguous inclusive testcase range handed to a worker.
type Chunk struct {
	Lo, Hi int
}

func (c Chunk) Empty() bool { return c.Lo > c.Hi }
func (c Chunk) Len() int {
	if c.Empty() {
		return 0
	}
	return c.Hi - c.Lo + 1
}

// Partition splits [1..n] into k contiguous ordered chunks whose lengths
// differ by at most one: the first n%k chunks carry the extra item. Chunks
// beyond n are empty and the caller skips them.
func Partition(n, k int) []Chunk {
	if k <= 0 {
		return nil
	}
	d, r := n/k, n%k

	chunks := make([]Chunk, k)
	lo := 1
	for i := range chunks {
		size := d
		if i < r {
			size++
		}
		chunks[i] = Chunk{Lo: lo, Hi: lo + size - 1}
		lo += size
	}
	return chunks
}
