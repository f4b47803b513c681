package escrow

// transitions enumerates every legal status edge. Anything not listed is
// rejected, which is what keeps duplicate webhook deliveries harmless: a
// charge.success replay against a paid row asks for paid->paid and fails
// the table lookup before any side effect runs.
var transitions = map[Status][]Status{
	StatusPending:  {StatusPaid, StatusFailed},
	StatusPaid:     {StatusReleased, StatusDisputed, StatusFailed},
	StatusDisputed: {StatusReleased, StatusFailed},
	StatusReleased: {},
	StatusFailed:   {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
