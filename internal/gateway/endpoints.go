package gateway

import (
	"errors"
	"strings"
	"sync"
)

// Endpoints rotates through gateway stream URLs after a number of
// consecutive failures on the current one.
type Endpoints struct {
	mu            sync.Mutex
	list          []string
	index         int
	failCount     int
	failThreshold int
}

func NewEndpoints(endpoints []string, failThreshold int) (*Endpoints, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("gateway endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	return &Endpoints{list: list, failThreshold: failThreshold}, nil
}

func (e *Endpoints) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.list[e.index]
}

// NoteFailure records a failure on the current endpoint and reports whether
// it rotated to the next one.
func (e *Endpoints) NoteFailure() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCount++
	if e.failCount < e.failThreshold || len(e.list) == 1 {
		return false
	}
	e.index = (e.index + 1) % len(e.list)
	e.failCount = 0
	return true
}

func (e *Endpoints) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" || seen[ep] {
			continue
		}
		seen[ep] = true
		out = append(out, ep)
	}
	return out
}
