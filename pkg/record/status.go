package record

import "github.com/ajitpratap0/conduit/pkg/errors"

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusArchived},
	StatusFailed:     {StatusArchived},
}

// String implements fmt.Stringer
func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether processing has finished for the record.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusArchived
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus converts a stored status name back into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusArchived:
		return st, nil
	default:
		return "", errors.Newf(errors.ErrorTypeSerialization, "unknown record status %q", s)
	}
}
