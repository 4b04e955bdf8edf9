// Package hybridstore composes the memory buffer store (C4) and the
// local-disk delegator (C3) into the tiered per-partition state
// machine described in spec component C5.
package hybridstore

// ComposedBytes concatenates multiple byte segments without copying
// them into one buffer, used when a select response must stitch
// memory-tier and disk-tier segments together. Ported from
// original_source/src/composed_bytes.rs.
type ComposedBytes struct {
	composed []byte
	segments [][]byte
	totalLen int
}

// NewComposedBytes creates an empty ComposedBytes.
func NewComposedBytes() *ComposedBytes {
	return &ComposedBytes{}
}

// Put appends a segment. The segment is referenced, not copied.
func (c *ComposedBytes) Put(segment []byte) {
	if len(segment) == 0 {
		return
	}
	c.segments = append(c.segments, segment)
	c.totalLen += len(segment)
}

// Len returns the total number of bytes across all segments.
func (c *ComposedBytes) Len() int {
	return c.totalLen
}

// Freeze materializes the segments into one contiguous buffer. Use
// only when a caller genuinely requires a single slice (e.g. a wire
// write); prefer Iter to avoid the copy when possible.
func (c *ComposedBytes) Freeze() []byte {
	if len(c.segments) == 1 {
		return c.segments[0]
	}
	out := make([]byte, 0, c.totalLen)
	for _, seg := range c.segments {
		out = append(out, seg...)
	}
	return out
}

// Iter calls fn with each segment in order, without copying.
func (c *ComposedBytes) Iter(fn func(segment []byte)) {
	for _, seg := range c.segments {
		fn(seg)
	}
}
