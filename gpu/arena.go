package gpu

// Arena records release functions in acquisition order and runs them in reverse. It is the
// scoped-acquisition wrapper for any group of resources that must all go away together,
// success or failure.
type Arena struct {
	releases []func()
}

func (a *Arena) Defer(release func()) {
	a.releases = append(a.releases, release)
}

func (a *Arena) Len() int {
	return len(a.releases)
}

// Release runs every recorded release, last acquired first. The arena is empty afterwards
// and may be reused.
func (a *Arena) Release() {
	for i := len(a.releases) - 1; i >= 0; i-- {
		a.releases[i]()
	}
	a.releases = a.releases[:0]
}
