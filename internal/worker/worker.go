package worker

import (
	"fmt"
	"log"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	dispatcher *Dispatcher
	jobChannel chan *Job
}

func NewWorker(id int, pool *jobChannelPool, d *Dispatcher) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		dispatcher: d,
		jobChannel: make(chan *Job),
	}
}

// Start runs jobs until the pool sends the nil stop job or refuses the release.
func (w *Worker) Start() {
	go func() {
		defer w.pool.workers.Done()
		for {
			job := <-w.jobChannel
			if job == nil {
				debugLog("[dispatcher] worker-%d stopped", w.id)
				w.pool.retire(w.jobChannel)
				return
			}
			err := w.execute(job)
			w.dispatcher.complete(job.Key)
			job.finish(err)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}

func (w *Worker) execute(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[dispatcher] worker-%d job for %s panicked: %v", w.id, job.Key, r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.fn(job.ctx)
}
