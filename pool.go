package simrail

// workerPool runs tasks on a fixed set of goroutines with synchronous
// handoff: TrySubmit never buffers, it either hands the task to an idle
// worker or reports rejection.
type workerPool struct {
	tasks chan func()
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{tasks: make(chan func())}
	for i := 0; i < workers; i++ {
		go func() {
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

func (p *workerPool) TrySubmit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

func (p *workerPool) Close() {
	close(p.tasks)
}
