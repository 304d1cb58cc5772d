package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HendryAvila/routine/internal/bus"
	"github.com/HendryAvila/routine/internal/execution"
	"github.com/HendryAvila/routine/internal/rules"
	"github.com/HendryAvila/routine/internal/situation"
	"github.com/HendryAvila/routine/internal/sop"
	"github.com/HendryAvila/routine/internal/store"
	"github.com/HendryAvila/routine/internal/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var night = time.Date(2026, 3, 4, 22, 0, 0, 0, time.UTC)

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) Handle(_ context.Context, m rules.Match, a rules.Action, _ *situation.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, m.Rule.ID+":"+string(a.Type))
	return r.err
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type firer struct {
	allow map[string]bool
	err   error
}

func (f firer) Fire(_ context.Context, id string, _ time.Time) (bool, error) {
	return f.allow[id], f.err
}

func match(id string, actions ...rules.Action) rules.Match {
	return rules.Match{Rule: &rules.Rule{ID: id, Name: id}, MatchScore: 1, SuggestedActions: actions}
}

func triggerSOP(sopID string) rules.Action {
	return rules.Action{Type: rules.ActionTriggerSOP, Payload: map[string]value.Value{"sopId": value.String(sopID)}}
}

func note() rules.Action { return rules.Action{Type: rules.ActionSendNotification} }

func TestDispatcher_RoutesInMatchOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(nil)
	defer d.Close()
	d.Register(rules.ActionTriggerSOP, rec)
	d.Register(rules.ActionSendNotification, rec)
	d.Register(rules.ActionCustom, nil)

	err := d.Notify(context.Background(), bus.Notification{Matches: []rules.Match{
		match("first", note(), triggerSOP("a")),
		match("second", triggerSOP("b")),
		match("third", rules.Action{Type: rules.ActionCustom}),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"first:send_notification", "first:trigger_sop", "second:trigger_sop"}, rec.Calls())
	assert.Equal(t, DispatcherID, d.ID())
}

func TestDispatcher_RuleConstraints(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(firer{allow: map[string]bool{"open": true}})
	defer d.Close()
	d.Register(rules.ActionSendNotification, rec)

	require.NoError(t, d.Notify(context.Background(), bus.Notification{Matches: []rules.Match{
		match("open", note()), match("cooling", note()),
	}}))
	assert.Equal(t, []string{"open:send_notification"}, rec.Calls())

	failing := NewDispatcher(firer{err: errors.New("store down")})
	defer failing.Close()
	err := failing.Notify(context.Background(), bus.Notification{Matches: []rules.Match{match("x", note())}})
	assert.ErrorContains(t, err, "store down")
}

func TestDispatcher_JoinsHandlerErrors(t *testing.T) {
	rec := &recorder{err: errors.New("boom")}
	d := NewDispatcher(nil)
	defer d.Close()
	d.Register(rules.ActionSendNotification, rec)

	err := d.Notify(context.Background(), bus.Notification{Matches: []rules.Match{
		match("a", note()), match("b", note()),
	}})
	require.Error(t, err)
	assert.Len(t, rec.Calls(), 2, "one failing handler does not stop the rest")
	assert.ErrorContains(t, err, "rule a")
	assert.ErrorContains(t, err, "rule b")
}

func TestDispatcher_DelayedActions(t *testing.T) {
	defer goleak.VerifyNone(t)

	fire := make(chan time.Time)
	var asked []time.Duration
	var mu sync.Mutex
	after := func(d time.Duration) <-chan time.Time {
		mu.Lock()
		asked = append(asked, d)
		mu.Unlock()
		return fire
	}
	rec := &recorder{}
	d := NewDispatcher(nil, WithClock(nil, after))
	d.Register(rules.ActionSendNotification, rec)

	delayed := note()
	delayed.DelaySeconds = 90
	require.NoError(t, d.Notify(context.Background(), bus.Notification{Matches: []rules.Match{
		match("later", delayed), match("pending", delayed),
	}}))
	assert.Empty(t, rec.Calls())

	fire <- night
	assert.Eventually(t, func() bool { return len(rec.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	d.Close()
	assert.Len(t, rec.Calls(), 1, "Close drops pending delayed actions")
	mu.Lock()
	assert.Equal(t, []time.Duration{90 * time.Second, 90 * time.Second}, asked)
	mu.Unlock()
}

// --- SOP trigger ---

type starter struct {
	mu    sync.Mutex
	calls []execution.Source
	ids   []string
	err   error
}

func (s *starter) Trigger(_ context.Context, id string, src execution.Source) (*execution.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	s.calls = append(s.calls, src)
	if s.err != nil {
		return nil, s.err
	}
	return &execution.Execution{ID: "x-" + id, SOPID: id}, nil
}

func TestSOPTrigger_OncePerNotification(t *testing.T) {
	st := &starter{}
	h := NewSOPTrigger(st, nil)
	snap := situation.New("ctx-1", night)

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, match("r1"), triggerSOP("evening"), snap))
	require.NoError(t, h.Handle(ctx, match("r2"), triggerSOP("evening"), snap))
	require.NoError(t, h.Handle(ctx, match("r2"), triggerSOP("morning"), snap))
	require.NoError(t, h.Handle(ctx, match("r1"), triggerSOP("evening"), situation.New("ctx-2", night)))

	assert.Equal(t, []string{"evening", "morning", "evening"}, st.ids)
	src := st.calls[0]
	assert.Equal(t, execution.TriggeredByRule, src.TriggeredBy)
	assert.Equal(t, "r1", src.RuleID)
	assert.Same(t, snap, src.Snapshot)
}

func TestSOPTrigger_PayloadAndRefusals(t *testing.T) {
	assert.Nil(t, NewSOPTrigger(nil, nil))

	st := &starter{err: execution.ErrConstrained}
	h := NewSOPTrigger(st, nil)
	ctx := context.Background()

	assert.NoError(t, h.Handle(ctx, match("r"), triggerSOP("evening"), nil), "refusals are not errors")
	assert.Error(t, h.Handle(ctx, match("r"), rules.Action{Type: rules.ActionTriggerSOP}, nil))

	st.err = errors.New("registry unavailable")
	assert.ErrorContains(t, h.Handle(ctx, match("r"), triggerSOP("evening"), nil), "registry unavailable")
}

func TestBridge_BusToExecution(t *testing.T) {
	ctx := context.Background()
	reg := sop.NewRegistry(store.NewMemory(), nil)
	require.NoError(t, reg.Load(ctx))
	_, err := reg.Instantiate(ctx, "evening-routine", "evening-routine", "")
	require.NoError(t, err)

	eng := execution.New(reg)
	defer eng.Close()
	d := NewDispatcher(nil)
	defer d.Close()
	d.Register(rules.ActionTriggerSOP, NewSOPTrigger(eng, nil))

	b := bus.New(nil)
	require.NoError(t, b.Register(d))
	snap := situation.New("ctx-1", night)
	require.NoError(t, b.Publish(ctx, snap, []rules.Match{match("evening-wind-down", triggerSOP("evening-routine"))}))

	active := eng.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "evening-routine", active[0].SOPID)
	assert.Equal(t, "evening-wind-down", active[0].Context.RuleID)

	// The template allows one trigger per day.
	require.NoError(t, b.Publish(ctx, situation.New("ctx-2", night), []rules.Match{
		match("evening-wind-down", triggerSOP("evening-routine")),
	}))
	assert.Len(t, eng.List(), 1)
}
