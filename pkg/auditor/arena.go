package auditor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrCallExists  = errors.New("auditor: call already open")
	ErrCallUnknown = errors.New("auditor: unknown call")
)

// Arena holds per-call audit state keyed by call id. Entries are created by
// Begin and always removed by Finish or Discard.
type Arena struct {
	auditor *Auditor

	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	started time.Time
	text    strings.Builder
}

func NewArena(a *Auditor) *Arena {
	return &Arena{auditor: a, calls: make(map[string]*call)}
}

// Begin opens state for a call.
func (ar *Arena) Begin(callID string) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if _, ok := ar.calls[callID]; ok {
		return ErrCallExists
	}
	ar.calls[callID] = &call{started: time.Now()}
	return nil
}

// Observe appends transcript text to an open call.
func (ar *Arena) Observe(callID, text string) error {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	c, ok := ar.calls[callID]
	if !ok {
		return ErrCallUnknown
	}
	if cur := c.text.String(); cur != "" && !strings.HasSuffix(cur, "\n") {
		c.text.WriteByte('\n')
	}
	c.text.WriteString(text)
	return nil
}

// Finish removes the call and audits everything observed.
func (ar *Arena) Finish(ctx context.Context, callID string) (*GapReport, error) {
	ar.mu.Lock()
	c, ok := ar.calls[callID]
	delete(ar.calls, callID)
	ar.mu.Unlock()
	if !ok {
		return nil, ErrCallUnknown
	}
	return ar.auditor.Audit(ctx, c.text.String(), callID)
}

// Discard removes the call without auditing.
func (ar *Arena) Discard(callID string) {
	ar.mu.Lock()
	delete(ar.calls, callID)
	ar.mu.Unlock()
}

// Len reports open calls.
func (ar *Arena) Len() int {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return len(ar.calls)
}
