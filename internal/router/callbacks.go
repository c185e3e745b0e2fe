package router

import "slices"

// callbackList keeps registered observers in registration order. Observers
// may add or remove entries while the list is being notified; an entry
// removed mid-notification is not called afterwards.
type callbackList[T comparable] struct {
	items []T
}

func (l *callbackList[T]) add(item T) bool {
	if slices.Contains(l.items, item) {
		return false
	}
	l.items = append(l.items, item)
	return true
}

func (l *callbackList[T]) remove(item T) bool {
	idx := slices.Index(l.items, item)
	if idx < 0 {
		return false
	}
	l.items = slices.Delete(slices.Clone(l.items), idx, idx+1)
	return true
}

func (l *callbackList[T]) len() int {
	return len(l.items)
}

func (l *callbackList[T]) each(fn func(T)) {
	for _, item := range slices.Clone(l.items) {
		if !slices.Contains(l.items, item) {
			continue
		}
		fn(item)
	}
}
