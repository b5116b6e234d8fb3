package search

import "github.com/xhad/semsearch/internal/models"

// Task is the handle of a build running in the background.
type Task struct {
	done   chan struct{}
	result *models.BuildResult
	err    error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) complete(result *models.BuildResult, err error) {
	t.result = result
	t.err = err
	close(t.done)
}

// Done is closed once the build has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the build finishes.
func (t *Task) Wait() (*models.BuildResult, error) {
	<-t.done
	return t.result, t.err
}

// Result reports the outcome without blocking; done is false while the build runs.
func (t *Task) Result() (result *models.BuildResult, done bool, err error) {
	select {
	case <-t.done:
		return t.result, true, t.err
	default:
		return nil, false, nil
	}
}
