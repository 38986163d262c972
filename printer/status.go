package printer

// Status is a transient snapshot of what the device reports about itself
type Status string

const (
	StatusReady     Status = "ready"
	StatusPaperOut  Status = "paper-out"
	StatusCoverOpen Status = "cover-open"
	StatusOffline   Status = "offline"
	StatusUnknown   Status = "unknown"
)

// IsFault reports whether the status blocks print completion
func (s Status) IsFault() bool {
	switch s {
	case StatusPaperOut, StatusCoverOpen, StatusOffline:
		return true
	}
	return false
}
