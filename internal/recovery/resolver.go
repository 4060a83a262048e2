package recovery

import (
	"github.com/pkg/errors"

	"unil2cpp/internal/image"
)

// Resolver answers the questions the engine cannot settle on its own. The
// console implementation prompts an operator; Scripted replays fixed
// answers for flags and tests.
type Resolver interface {
	// SelectSlice picks one architecture of a fat container.
	SelectSlice(slices []image.Slice) (int, error)
	// DumpBase returns the runtime base of a dumped ELF. Zero means
	// "treat the file as on disk".
	DumpBase() (uint64, error)
	// RegistrationAddrs supplies both root structure addresses after every
	// automated strategy failed.
	RegistrationAddrs() (code, meta uint64, err error)
}

// Scripted is a Resolver with fixed answers.
type Scripted struct {
	Slice int
	Base  uint64
	Code  uint64
	Meta  uint64

	// Asked records which questions were put, in order.
	Asked []string
}

func (s *Scripted) SelectSlice(slices []image.Slice) (int, error) {
	s.Asked = append(s.Asked, "slice")
	if s.Slice < 0 || s.Slice >= len(slices) {
		return 0, errors.Errorf("slice %d out of range (have %d)", s.Slice, len(slices))
	}
	return s.Slice, nil
}

func (s *Scripted) DumpBase() (uint64, error) {
	s.Asked = append(s.Asked, "base")
	return s.Base, nil
}

func (s *Scripted) RegistrationAddrs() (uint64, uint64, error) {
	s.Asked = append(s.Asked, "registrations")
	if s.Code == 0 && s.Meta == 0 {
		return 0, 0, ErrNoAnswer
	}
	return s.Code, s.Meta, nil
}
