package trace

// Build consumes a sequence of normalized events (via next, which returns
// ok=false at end of stream) and reconstructs the process forest, returning
// its root. The first event's PID becomes the root process; cwd seeds its
// working directory.
//
// Events for a PID that has not yet been introduced by its parent's Fork
// event are buffered (the tracer may interleave a child's output before
// the fork syscall that spawned it has finished being recorded) and
// drained into the new record as soon as that Fork event is processed.
//
// At end of stream every process must have exited and every buffered
// event must have found a home; otherwise the trace was truncated and
// Build returns a *ParseError.
func Build(next func() (Event, bool), cwd string) (*ProcessRecord, error) {
	ev, ok := next()
	if !ok {
		return nil, &ParseError{Reason: "empty event stream"}
	}

	b := &builder{
		running: map[int]*ProcessRecord{},
		pending: map[int][]Event{},
	}

	root := newProcessRecord(ev.PID, 0, cwd)
	b.running[ev.PID] = root
	if err := b.dispatch(root, ev); err != nil {
		return nil, err
	}

	for {
		ev, ok := next()
		if !ok {
			break
		}

		p, isRunning := b.running[ev.PID]
		if !isRunning {
			b.pending[ev.PID] = append(b.pending[ev.PID], ev)
			continue
		}
		if err := b.dispatch(p, ev); err != nil {
			return nil, err
		}
	}

	if len(b.running) != 0 {
		return nil, &ParseError{Reason: "trace ended with processes still running"}
	}
	if len(b.pending) != 0 {
		return nil, &ParseError{Reason: "trace ended with buffered events for a pid that never forked"}
	}

	return root, nil
}

// builder holds the running/pending bookkeeping shared by dispatch and its
// recursive handling of buffered child events.
type builder struct {
	running map[int]*ProcessRecord
	pending map[int][]Event
}

// dispatch applies ev to p, additionally handling Fork (spawn the child
// record and drain anything buffered for it) and Exit (retire p from the
// running set).
func (b *builder) dispatch(p *ProcessRecord, ev Event) error {
	if err := p.apply(ev); err != nil {
		return err
	}

	switch ev.Kind {
	case Fork:
		if _, exists := b.running[ev.ChildPID]; exists {
			return &ParseError{Reason: "fork produced a pid that is already running"}
		}
		child := newProcessRecord(ev.ChildPID, p.PID, p.Cwd)
		p.Children = append(p.Children, child)
		b.running[ev.ChildPID] = child

		if buffered, exists := b.pending[ev.ChildPID]; exists {
			delete(b.pending, ev.ChildPID)
			for _, bev := range buffered {
				if err := b.dispatch(child, bev); err != nil {
					return err
				}
			}
		}

	case Exit:
		delete(b.running, p.PID)
	}
	return nil
}
