package signaling

import (
	"slices"
	"sync"
)

// Roster is the set of online users other than self. Each server
// user_list replaces it wholesale.
type Roster struct {
	mu    sync.RWMutex
	self  string
	users []string
}

func NewRoster(self string) *Roster {
	return &Roster{self: self}
}

// Replace installs users as the new roster and returns the stored snapshot.
func (r *Roster) Replace(users []string) []string {
	next := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" || u == r.self {
			continue
		}
		next = append(next, u)
	}
	slices.Sort(next)
	next = slices.Compact(next)

	r.mu.Lock()
	r.users = next
	r.mu.Unlock()
	return slices.Clone(next)
}

func (r *Roster) Clear() {
	r.mu.Lock()
	r.users = nil
	r.mu.Unlock()
}

func (r *Roster) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.users)
}

func (r *Roster) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := slices.BinarySearch(r.users, id)
	return ok
}
