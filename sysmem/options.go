package sysmem

const (
	// DefaultReserveSize is the amount of address space reserved for the break region when
	// Options.ReserveSize is left at zero. It is equal to 1Gb.
	DefaultReserveSize uintptr = 1 << 30
)

// Options contains optional settings when creating a System
type Options struct {
	// ReserveSize is the maximum size in bytes that the break region may grow to. Address space is
	// reserved up front but pages are only made accessible as the break passes them. It is rounded up
	// to the page size.
	ReserveSize uintptr
}
