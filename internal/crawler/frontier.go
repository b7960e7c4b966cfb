package crawler

type frontierItem struct {
	name  string
	depth int
}

// frontier is a FIFO queue of documents waiting to be fetched.
type frontier struct {
	items []frontierItem
	head  int
}

func (f *frontier) push(name string, depth int) {
	f.items = append(f.items, frontierItem{name: name, depth: depth})
}

func (f *frontier) pop() (frontierItem, bool) {
	if f.head >= len(f.items) {
		return frontierItem{}, false
	}
	item := f.items[f.head]
	f.items[f.head] = frontierItem{}
	f.head++
	if f.head > 64 && f.head*2 > len(f.items) {
		f.items = append([]frontierItem(nil), f.items[f.head:]...)
		f.head = 0
	}
	return item, true
}

func (f *frontier) len() int {
	return len(f.items) - f.head
}
