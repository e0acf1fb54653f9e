package dialog

import "strings"

// DefaultUnitRuneCap is the soft cap on a synthesis unit's length. A buffer
// that grows past the cap without reaching a sentence boundary is split at
// the cap so synthesis can start.
const DefaultUnitRuneCap = 240

// Unit is one synthesis unit: a sentence-sized slice of the assistant's
// reply, indexed in emission order. Concatenating all unit texts of a turn
// reproduces the full reply verbatim.
type Unit struct {
	Index int
	Text  string
}

// Chunker incrementally splits a streamed LLM reply into synthesis units.
// Feed it fragments as they arrive with Write; call Flush once the stream
// ends to drain the tail. Not safe for concurrent use — each turn owns its
// own Chunker.
type Chunker struct {
	buf     []rune
	next    int
	runeCap int
}

// NewChunker returns a Chunker with the given soft cap on unit length.
// A cap of zero or less selects DefaultUnitRuneCap.
func NewChunker(runeCap int) *Chunker {
	if runeCap <= 0 {
		runeCap = DefaultUnitRuneCap
	}
	return &Chunker{runeCap: runeCap}
}

// Write appends a text fragment to the buffer and returns any units that
// became complete. A unit completes at sentence-terminal punctuation followed
// by whitespace, or when the buffer exceeds the rune cap. Text is carried
// into units verbatim, whitespace included.
func (c *Chunker) Write(fragment string) []Unit {
	if fragment == "" {
		return nil
	}
	c.buf = append(c.buf, []rune(fragment)...)

	var units []Unit
	for {
		cut := c.boundary()
		if cut < 0 {
			break
		}
		units = append(units, c.emit(cut))
	}
	return units
}

// NextIndex returns the index the next emitted unit will carry.
func (c *Chunker) NextIndex() int { return c.next }

// Flush drains the remaining buffer as the final unit of the turn. End of
// stream counts as a boundary, so a trailing fragment without terminal
// punctuation still becomes a unit. Returns nil when the buffer is empty.
func (c *Chunker) Flush() *Unit {
	if len(c.buf) == 0 {
		return nil
	}
	u := c.emit(len(c.buf))
	return &u
}

// boundary returns the cut position of the earliest complete unit in the
// buffer, or -1 if none is complete yet. The cut position is exclusive: the
// unit is buf[:cut].
func (c *Chunker) boundary() int {
	// A terminator only closes a unit once the following rune is known to be
	// whitespace. A terminator at the end of the buffer stays pending: the
	// next fragment (or Flush) decides.
	for i := 0; i < len(c.buf)-1 && i < c.runeCap; i++ {
		if isTerminal(c.buf[i]) && isSpace(c.buf[i+1]) {
			return i + 1
		}
	}
	if len(c.buf) > c.runeCap {
		// Forced split keeps the first runeCap runes; the remainder starts
		// the next unit.
		return c.runeCap
	}
	return -1
}

func (c *Chunker) emit(cut int) Unit {
	u := Unit{Index: c.next, Text: string(c.buf[:cut])}
	c.next++
	c.buf = c.buf[cut:]
	return u
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isSpace(r rune) bool {
	return strings.ContainsRune(" \t\n\r", r)
}
