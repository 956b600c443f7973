package crawler

import "sync"

// frontier is the shared BFS queue and visited set. URLs are marked visited
// at enqueue time so the visited bound caps total work; draining is
// monotonic because nothing is ever re-enqueued.
type frontier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []string
	visited  map[string]bool
	inflight int
	maxPages int
	closed   bool
}

func newFrontier(maxPages int) *frontier {
	f := &frontier{
		visited:  make(map[string]bool),
		maxPages: maxPages,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// enqueue adds an unvisited URL while the visited bound has room
func (f *frontier) enqueue(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || f.visited[url] || len(f.visited) >= f.maxPages {
		return false
	}

	f.visited[url] = true
	f.queue = append(f.queue, url)
	f.cond.Signal()
	return true
}

// next blocks until a URL is available or the crawl is finished. The second
// return is false when the frontier has drained with no work in flight.
func (f *frontier) next() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if len(f.queue) > 0 {
			url := f.queue[0]
			f.queue = f.queue[1:]
			f.inflight++
			return url, true
		}
		if f.closed || f.inflight == 0 {
			f.cond.Broadcast()
			return "", false
		}
		f.cond.Wait()
	}
}

// release marks one dequeued URL as fully processed
func (f *frontier) release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inflight--
	if f.inflight == 0 && len(f.queue) == 0 {
		f.cond.Broadcast()
	}
}

// close aborts the crawl, waking every blocked worker
func (f *frontier) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.cond.Broadcast()
}

// visitedCount returns the number of URLs ever admitted to the frontier
func (f *frontier) visitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}
