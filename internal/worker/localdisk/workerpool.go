package localdisk

// workerPool dispatches blocking filesystem calls onto a fixed number
// of goroutines. Local-disk delegators keep a separate read pool and
// append pool so a slow writer cannot starve readers (spec §4.3 step
// 2).
type workerPool struct {
	jobs chan func()
}

func newWorkerPool(workers int) *workerPool {
	wp := &workerPool{jobs: make(chan func())}
	for i := 0; i < workers; i++ {
		go func() {
			for job := range wp.jobs {
				job()
			}
		}()
	}
	return wp
}

func (wp *workerPool) submit(job func()) {
	wp.jobs <- job
}
