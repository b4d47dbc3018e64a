// Package story holds the static story model: the loaded game tables
// (paragraphs and resources per locale), the locale fallback pair, and the
// cursor type that points into the story. Everything here is immutable
// after load except Cursor, which is owned and mutated by one session.
package story

import "github.com/641i130/Ayaka/script"

// Cursor is the position pointer into the story: the enclosing base
// paragraph, the current paragraph, the zero-based index of the next act
// to render, and the per-step local variable scratchpad.
//
// Locals carries two reserved key families: stringified small integers
// ("0", "1", ...) hold the enabled flags of the pending switch line, and
// "?" holds the index chosen at the last switch resolution.
type Cursor struct {
	BasePara string        `json:"base_para"`
	Para     string        `json:"para"`
	Act      int           `json:"act"`
	Locals   script.VarMap `json:"locals"`
}

// Clone returns a deep copy, safe to keep as a history snapshot.
func (c Cursor) Clone() Cursor {
	c.Locals = c.Locals.Clone()
	return c
}
