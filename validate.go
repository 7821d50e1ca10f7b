package osmem

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/memutils"
)

var _ memutils.Validatable = &Allocator{}

// validateFunc lets an unlocked validation pass be handed to memutils.DebugValidate while the
// allocator's mutex is held
type validateFunc func() error

func (f validateFunc) Validate() error { return f() }

// Validate checks the consistency of the allocator's block list and break region, returning an
// error describing the first problem found
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

func (a *Allocator) validate() error {
	err := a.blocks.Validate()
	if err != nil {
		return err
	}

	if !a.region.initialized {
		if head := a.blocks.Head(); head != nil && !head.IsMapped() {
			return errors.New("the break region is uninitialized but the list contains break blocks")
		}

		return nil
	}

	return a.blocks.ValidateRegion(a.region.start, a.region.end)
}
