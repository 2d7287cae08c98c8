package s3db

import "context"

// Plugin is the explicit capability interface external collaborators (the
// cascade manager, a replicator, an audit logger) implement to participate
// in the Database Controller's lifecycle. This is deliberately an
// interface a type must declare conformance to, not a duck-typed bag of
// optional methods discovered via reflection or type assertion chains —
// usePlugin validates the declared Requires() against already-registered
// plugin Names() before Init runs, so ordering mistakes fail at wiring
// time instead of at first use.
type Plugin interface {
	Name() string
	Requires() []string
	Init(ctx context.Context, db *Database) error
	Shutdown(ctx context.Context) error
}

// pluginGraph validates a DAG of plugin dependencies and returns the
// topological init order, or an error naming the missing/cyclic dependency.
func pluginGraph(plugins []Plugin) ([]Plugin, error) {
	byName := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		byName[p.Name()] = p
	}

	var order []Plugin
	visited := make(map[string]int) // 0=unvisited, 1=visiting, 2=done

	var visit func(name string) error
	visit = func(name string) error {
		switch visited[name] {
		case 2:
			return nil
		case 1:
			return &ValidationError{Resource: "plugin", Field: name, Reason: "circular dependency"}
		}
		p, ok := byName[name]
		if !ok {
			return &ValidationError{Resource: "plugin", Field: name, Reason: "required plugin not registered"}
		}
		visited[name] = 1
		for _, dep := range p.Requires() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visited[name] = 2
		order = append(order, p)
		return nil
	}

	for _, p := range plugins {
		if err := visit(p.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}
