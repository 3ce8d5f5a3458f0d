package channel

// callResult is what a pending call resolves to: a decoded response or an
// error, never both.
type callResult struct {
	value any
	err   error
}

// pendingResult is one Pending-Result Table entry. Each entry is resolved
// along exactly one path: a matching response, a decode failure, or closure
// of the owning connection. The table owner removes the entry from the map
// before resolving, so resolve/fail run at most once.
type pendingResult struct {
	done        chan callResult
	newResponse func() any
}

func newPendingResult(newResponse func() any) *pendingResult {
	return &pendingResult{
		// buffered so the receive loop never blocks on a caller
		done:        make(chan callResult, 1),
		newResponse: newResponse,
	}
}

func (p *pendingResult) resolve(value any) {
	p.done <- callResult{value: value}
}

func (p *pendingResult) fail(err error) {
	p.done <- callResult{err: err}
}

// wait suspends the calling goroutine until the entry is resolved.
func (p *pendingResult) wait() (any, error) {
	r := <-p.done
	return r.value, r.err
}
