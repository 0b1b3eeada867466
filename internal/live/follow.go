package live

import (
	"sync"

	"aapkit/internal/form"
)

// Follow feeds the store's payload into c, now and after every commit that
// changes it. Snapshots delivered out of order are dropped by revision. The
// returned function stops following.
func Follow(c *Controller, s *form.Store) func() {
	var mu sync.Mutex
	st := s.State()
	last := st.Revision
	c.SetPayload(st.Payload)
	return s.Subscribe(func(next form.State) {
		mu.Lock()
		defer mu.Unlock()
		if next.Revision <= last {
			return
		}
		last = next.Revision
		c.SetPayload(next.Payload)
	})
}
