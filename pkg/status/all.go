package status

import (
	"strings"
	"sync"
)

// All combines children into one status. It succeeds once every child
// succeeded and fails as soon as any child fails, carrying the first
// failure. Cancelling it cancels every pending child. With no children it
// succeeds at once.
func All(name string, children ...*Status) *Status {
	if name == "" {
		names := make([]string, len(children))
		for i, c := range children {
			names[i] = c.Name()
		}
		name = "all(" + strings.Join(names, ",") + ")"
	}
	s := New(name)
	if len(children) == 0 {
		s.Finish(nil)
		return s
	}

	s.OnCancel(func(error) {
		for _, c := range children {
			c.Cancel()
		}
	})

	var mu sync.Mutex
	remaining := len(children)
	for _, c := range children {
		c.AddCallback(func(c *Status) {
			if err := c.Err(); err != nil {
				s.Finish(err)
				return
			}
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				s.Finish(nil)
			}
		})
	}
	return s
}
