package resource

// Scope is a stack of release functions. Releasing runs them in reverse
// order of registration, so a value built from several GPU objects is torn
// down in the opposite order it was built.
//
// A constructor defers Release on its own scope so every early return
// cleans up, then hands the stack to the owner with Take on success:
//
//	var scope resource.Scope
//	defer scope.Release()
//	buf, err := resource.NewBuffer(...)
//	if err != nil {
//		return err
//	}
//	scope.Defer(buf.Destroy)
//	...
//	owner.lifetime = scope.Take()
type Scope struct {
	releases []func()
}

func (s *Scope) Defer(release func()) {
	s.releases = append(s.releases, release)
}

// Release runs every pending release function once, last registered first.
func (s *Scope) Release() {
	if s == nil {
		return
	}
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}

// Take moves the pending release functions into a new scope and leaves
// this one empty.
func (s *Scope) Take() *Scope {
	taken := &Scope{releases: s.releases}
	s.releases = nil
	return taken
}

func (s *Scope) Len() int {
	if s == nil {
		return 0
	}
	return len(s.releases)
}
