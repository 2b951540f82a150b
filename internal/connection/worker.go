package connection

import "sync"

// worker runs submitted tasks one at a time in submission order. The
// goroutine is started on demand and exits once the queue drains.
type worker struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (w *worker) submit(task func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.queue = append(w.queue, task)
	if !w.running {
		w.running = true
		go w.run()
	}
}

func (w *worker) run() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.running = false
			w.mu.Unlock()
			return
		}
		task := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		w.mu.Unlock()

		task()
	}
}
