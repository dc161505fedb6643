package history

import "sync"

// Navigator is the narrow view of a navigation history the controller
// depends on. Implementations must invoke OnChange callbacks without holding
// their own locks, since callbacks read URL.
type Navigator interface {
	URL() string
	Push(url string)
	Replace(url string)
	// OnChange registers callback for externally driven URL changes
	// (back/forward). The returned function unregisters it.
	OnChange(callback func()) (cancel func())
}

type listener struct {
	id int
	fn func()
}

// MemoryNavigator is an in-process Navigator: a list of entries and a cursor.
// Push and Replace do not notify, like pushState/replaceState in a browser;
// Back, Forward and Go do.
type MemoryNavigator struct {
	mu            sync.Mutex
	entries       []string
	index         int
	listeners     []listener
	nextID        int
	notifyOnWrite bool
}

// NavigatorOption configures a MemoryNavigator.
type NavigatorOption func(*MemoryNavigator)

// WithNotifyOnWrite makes Push and Replace notify listeners too, as some
// navigation APIs do.
func WithNotifyOnWrite() NavigatorOption {
	return func(n *MemoryNavigator) { n.notifyOnWrite = true }
}

// NewMemoryNavigator starts with a single entry holding initialURL.
func NewMemoryNavigator(initialURL string, opts ...NavigatorOption) *MemoryNavigator {
	n := &MemoryNavigator{entries: []string{initialURL}}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// URL returns the URL of the current entry.
func (n *MemoryNavigator) URL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.entries[n.index]
}

// Push adds an entry after the current one, discarding any forward entries.
func (n *MemoryNavigator) Push(url string) {
	n.mu.Lock()
	n.entries = append(n.entries[:n.index+1], url)
	n.index++
	notify := n.notifyOnWrite
	n.mu.Unlock()
	if notify {
		n.notify()
	}
}

// Replace overwrites the current entry.
func (n *MemoryNavigator) Replace(url string) {
	n.mu.Lock()
	n.entries[n.index] = url
	notify := n.notifyOnWrite
	n.mu.Unlock()
	if notify {
		n.notify()
	}
}

// OnChange implements Navigator.
func (n *MemoryNavigator) OnChange(callback func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.listeners = append(n.listeners, listener{id: id, fn: callback})

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			for i, l := range n.listeners {
				if l.id == id {
					n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Back moves one entry back. It returns false at the first entry.
func (n *MemoryNavigator) Back() bool { return n.Go(-1) }

// Forward moves one entry forward. It returns false at the last entry.
func (n *MemoryNavigator) Forward() bool { return n.Go(1) }

// Go moves the cursor by delta and notifies listeners. Out-of-range moves
// and a zero delta do nothing and return false.
func (n *MemoryNavigator) Go(delta int) bool {
	n.mu.Lock()
	target := n.index + delta
	if delta == 0 || target < 0 || target >= len(n.entries) {
		n.mu.Unlock()
		return false
	}
	n.index = target
	n.mu.Unlock()
	n.notify()
	return true
}

// Len returns the number of entries.
func (n *MemoryNavigator) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// Index returns the cursor position.
func (n *MemoryNavigator) Index() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.index
}

// Entries returns a copy of every entry, oldest first.
func (n *MemoryNavigator) Entries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.entries))
	copy(out, n.entries)
	return out
}

func (n *MemoryNavigator) notify() {
	n.mu.Lock()
	fns := make([]func(), len(n.listeners))
	for i, l := range n.listeners {
		fns[i] = l.fn
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

var _ Navigator = (*MemoryNavigator)(nil)
