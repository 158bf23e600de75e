package domain

// transitions lists the allowed next states per state. States without an entry are terminal.
type transitions[S comparable] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t transitions[S]) terminal(s S) bool {
	return len(t[s]) == 0
}
