// program.go maps the client name in argv[0] to an executable path.
//
// Every spawn goes through a Runner's table so the $PATH walk happens once per
// name. An entry is dropped when starting from it fails with a missing file,
// so a client that was reinstalled elsewhere is looked up again next time.
package executor

import (
	"fmt"
	"os/exec"
	"sync"
)

type programPaths struct {
	mu    sync.Mutex
	paths map[string]string
}

func (p *programPaths) resolve(name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if path, ok := p.paths[name]; ok {
		return path, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("client %q not found: %w", name, err)
	}
	if p.paths == nil {
		p.paths = make(map[string]string)
	}
	p.paths[name] = path
	return path, nil
}

func (p *programPaths) forget(name string) {
	p.mu.Lock()
	delete(p.paths, name)
	p.mu.Unlock()
}

func (p *programPaths) cached(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.paths[name]
	return path, ok
}

// Resolve returns the path Start will execute for program. Names containing a
// slash are used as given; others are searched on $PATH.
func (r *Runner) Resolve(program string) (string, error) {
	if program == "" {
		return "", fmt.Errorf("empty program name")
	}
	return r.programs.resolve(program)
}
