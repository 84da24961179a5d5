package threadstate

import "github.com/dshills/vmtap/internal/event"

// MountState is where a carrier thread is in mounting a virtual thread.
//
//	Unmounted -> Mounting -> Mounted -> Unmounting -> Unmounted
//
// Events raised during Mounting or Unmounting are hidden.
type MountState int32

const (
	Unmounted MountState = iota
	Mounting
	Mounted
	Unmounting
)

// String returns the state name.
func (m MountState) String() string {
	switch m {
	case Unmounted:
		return "unmounted"
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	default:
		return "unknown"
	}
}

// MountState returns the carrier's mount state.
func (s *State) MountState() MountState {
	return MountState(s.mount.Load())
}

// InMountTransition reports whether the carrier is mounting or unmounting.
func (s *State) InMountTransition() bool {
	m := s.MountState()
	return m == Mounting || m == Unmounting
}

// MountedThread returns the mounted virtual thread, or NoThread unless the
// state is Mounted.
func (s *State) MountedThread() event.ThreadID {
	if s.MountState() != Mounted {
		return event.NoThread
	}
	return event.ThreadID(s.mounted.Load())
}

// BeginMount starts mounting virtual thread v.
func (s *State) BeginMount(v event.ThreadID) error {
	if err := s.transition(Unmounted, Mounting); err != nil {
		return err
	}
	s.mounted.Store(int64(v))
	return nil
}

// FinishMount completes a mount.
func (s *State) FinishMount() error {
	return s.transition(Mounting, Mounted)
}

// BeginUnmount starts unmounting the current virtual thread.
func (s *State) BeginUnmount() error {
	return s.transition(Mounted, Unmounting)
}

// FinishUnmount completes an unmount.
func (s *State) FinishUnmount() error {
	if err := s.transition(Unmounting, Unmounted); err != nil {
		return err
	}
	s.mounted.Store(int64(event.NoThread))
	return nil
}

func (s *State) transition(from, to MountState) error {
	if !s.mount.CompareAndSwap(int32(from), int32(to)) {
		return &TransitionError{From: s.MountState(), To: to}
	}
	return nil
}
