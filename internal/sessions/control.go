package sessions

import (
	"sync"
	"time"

	"github.com/iammorganparry/clive/apps/conductor/internal/models"
)

// sessionCtl holds the in-memory state of one session.
//
// cmd serializes commands. state guards live and is also taken by event
// ingestion, so it must never be held across a call into the process
// manager: the manager's emitter may be blocked delivering to us.
type sessionCtl struct {
	id  string
	cmd sync.Mutex

	state sync.Mutex
	live  *liveSession

	sub Subscription
}

// liveSession tracks the current process of a session. handle is nil while
// the spawn is in flight.
type liveSession struct {
	handle   Handle
	stopping bool
	timer    *time.Timer
	turn     *turn
}

// clearTurn settles the pending response, if any.
func (l *liveSession) clearTurn(err error) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.turn != nil {
		l.turn.finish(err)
		l.turn = nil
	}
}

// turn is one sent message awaiting the agent's first response. user is the
// persisted copy of the sent message, set under state before done closes.
type turn struct {
	done chan struct{}
	once sync.Once
	err  error
	user *models.Message
}

func newTurn() *turn {
	return &turn{done: make(chan struct{})}
}

func (t *turn) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}
