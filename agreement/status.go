package agreement

// Status is the lifecycle state of an agreement.
type Status string

const (
	StatusCreated   Status = "created"
	StatusAttested  Status = "attested"
	StatusFunded    Status = "funded"
	StatusDisputed  Status = "disputed"
	StatusConcluded Status = "concluded"
	StatusRevoked   Status = "revoked"
)

// transitions is the authoritative edge set of the lifecycle machine.
// Attested -> Created is the revocation reversal; every other edge is
// monotonic toward a terminal state.
var transitions = map[Status][]Status{
	StatusCreated:  {StatusAttested},
	StatusAttested: {StatusCreated, StatusFunded, StatusDisputed, StatusRevoked},
	StatusFunded:   {StatusDisputed, StatusConcluded},
	StatusDisputed: {StatusConcluded},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusConcluded || s == StatusRevoked
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusAttested, StatusFunded, StatusDisputed, StatusConcluded, StatusRevoked:
		return true
	default:
		return false
	}
}
