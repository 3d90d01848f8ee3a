package daemon

import "github.com/o1/swupdd/internal/executor"

// ExecSpawner adapts an executor.Runner to Spawner.
func ExecSpawner(r *executor.Runner) Spawner {
	return execSpawner{r}
}

type execSpawner struct {
	runner *executor.Runner
}

func (s execSpawner) Start(argv []string) (Child, error) {
	p, err := s.runner.Start(argv)
	if err != nil {
		return nil, err
	}
	return p, nil
}
