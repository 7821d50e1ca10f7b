package metadata

// Status identifies what a Block is currently being used for. The values are mutually exclusive.
type Status uint32

const (
	// StatusFree marks a break-resident block that is available for reuse
	StatusFree Status = iota
	// StatusAllocated marks a break-resident block that is owned by a caller
	StatusAllocated
	// StatusMapped marks a block that lives in its own anonymous mapping. Mapped blocks are never split,
	// coalesced, or reused.
	StatusMapped
)

var statusMapping = map[Status]string{
	StatusFree:      "Free",
	StatusAllocated: "Allocated",
	StatusMapped:    "Mapped",
}

func (s Status) String() string {
	return statusMapping[s]
}
