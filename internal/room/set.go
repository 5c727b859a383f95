package room

import "sort"

// Set is an immutable set of user ids. With and Without return new sets and
// never modify the receiver, so a Set held by a committed snapshot can be
// read without locking.
type Set struct {
	m map[string]struct{}
}

func NewSet(ids ...string) Set {
	s := Set{m: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.m[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s.m[id]
	return ok
}

func (s Set) Len() int {
	return len(s.m)
}

func (s Set) With(id string) Set {
	if s.Has(id) {
		return s
	}
	next := Set{m: make(map[string]struct{}, len(s.m)+1)}
	for k := range s.m {
		next.m[k] = struct{}{}
	}
	next.m[id] = struct{}{}
	return next
}

func (s Set) Without(id string) Set {
	if !s.Has(id) {
		return s
	}
	next := Set{m: make(map[string]struct{}, len(s.m))}
	for k := range s.m {
		if k != id {
			next.m[k] = struct{}{}
		}
	}
	return next
}

// Sorted returns the members in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s.m))
	for k := range s.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
