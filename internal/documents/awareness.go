package documents

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity/docsync/internal/tenant"
)

// parseParticipant validates one awareness state. Clients usually nest the
// presence record under "user"; a flat state is accepted too.
func parseParticipant(state map[string]any) (tenant.Participant, error) {
	if nested, ok := state["user"].(map[string]any); ok {
		state = nested
	}
	var participant tenant.Participant
	targets := []struct {
		key string
		dst *string
	}{
		{"name", &participant.Name},
		{"color", &participant.Color},
		{"sessionId", &participant.SessionID},
		{"photo", &participant.Photo},
	}
	for _, target := range targets {
		value, ok := state[target.key].(string)
		if !ok {
			return tenant.Participant{}, fmt.Errorf("%w: %s must be a string", ErrMalformedAwareness, target.key)
		}
		*target.dst = value
	}
	return participant, nil
}

// participantsFrom keeps the valid participants and reports what was dropped.
func participantsFrom(states []map[string]any) ([]tenant.Participant, []error) {
	participants := make([]tenant.Participant, 0, len(states))
	var dropped []error
	for _, state := range states {
		participant, err := parseParticipant(state)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		participants = append(participants, participant)
	}
	return participants, dropped
}
