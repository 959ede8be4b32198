package message

// Status is the delivery state of a message.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusRead   Status = "read"
	StatusFailed Status = "failed"
)

// sources lists, for each target status, the states it may be entered from.
// Outbound: queued -> sent|failed, sent -> read. read and failed are final.
var sources = map[Status][]Status{
	StatusSent:   {StatusQueued},
	StatusFailed: {StatusQueued},
	StatusRead:   {StatusSent},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range sources[to] {
		if allowed == from {
			return true
		}
	}
	return false
}

// SourcesOf returns the states to may be entered from.
func SourcesOf(to Status) []string {
	items := sources[to]
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, string(s))
	}
	return out
}
