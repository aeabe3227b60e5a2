package crdt

// supersedes reports whether candidate replaces current for the same field.
// The higher logical clock wins; equal clocks fall back to the actor id so every
// replica picks the same winner.
func supersedes(candidate entry, current entry) bool {
	switch {
	case candidate.Clock > current.Clock:
		return true
	case candidate.Clock < current.Clock:
		return false
	default:
		return candidate.Actor > current.Actor
	}
}

// stateVector returns the highest clock observed per actor.
func stateVector(entries map[string]entry) map[string]uint64 {
	vector := make(map[string]uint64)
	for _, value := range entries {
		if value.Clock > vector[value.Actor] {
			vector[value.Actor] = value.Clock
		}
	}
	return vector
}

func maxClock(entries map[string]entry) uint64 {
	var highest uint64
	for _, value := range entries {
		if value.Clock > highest {
			highest = value.Clock
		}
	}
	return highest
}
