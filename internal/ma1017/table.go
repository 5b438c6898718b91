package ma1017

import "fmt"

// CommandTable is a motor command sequence. Entries holds every entry that
// is written, which is usually Length active entries plus one idle trailer.
// Rows loop from SecondPos to Length-1 LoopCount times.
type CommandTable struct {
	Entries   []Entry
	Length    int
	SecondPos int
	LoopCount int
}

// Validate checks the table shape against the hardware limits and the
// start-time requirements.
func (t CommandTable) Validate() error {
	switch {
	case len(t.Entries) > MaxTableEntries:
		return fmt.Errorf("command table has %d entries: %w", len(t.Entries), ErrInvalidParameter)
	case t.Length < 1 || t.Length > MaxTableEntries || t.Length > len(t.Entries):
		return fmt.Errorf("command table length %d: %w", t.Length, ErrInvalidParameter)
	case t.SecondPos < 0 || t.SecondPos >= t.Length:
		return fmt.Errorf("command table second position %d, length %d: %w", t.SecondPos, t.Length, ErrInvalidParameter)
	case t.LoopCount <= 0 || t.LoopCount > 0xffff:
		return fmt.Errorf("command table loop count %d: %w", t.LoopCount, ErrInvalidParameter)
	}
	return nil
}

// Rows returns the number of rows the table transfers when run to the end.
func (t CommandTable) Rows() int {
	transfer := make([]bool, min(t.Length, len(t.Entries)))
	for i := range transfer {
		transfer[i] = t.Entries[i].Transfer
	}
	return tableRows(transfer, t.SecondPos, t.LoopCount)
}

// ProgramTable writes all entries followed by the length, second position
// and loop count.
func (c *Chip) ProgramTable(t CommandTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for i, e := range t.Entries {
		if err := c.SetCommand(i, e); err != nil {
			return fmt.Errorf("program table: %w", err)
		}
	}
	if err := c.SetTableLength(t.Length); err != nil {
		return fmt.Errorf("program table: %w", err)
	}
	if err := c.SetSecondPosition(t.SecondPos); err != nil {
		return fmt.Errorf("program table: %w", err)
	}
	if err := c.SetLoopCount(t.LoopCount); err != nil {
		return fmt.Errorf("program table: %w", err)
	}
	return nil
}
