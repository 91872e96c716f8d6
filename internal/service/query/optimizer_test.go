package query

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perculacms/pagecontext/internal/model"
	"github.com/perculacms/pagecontext/internal/service/ai"
	"github.com/perculacms/pagecontext/internal/testutil"
)

type fakeChatter struct {
	out   ai.Completion
	err   error
	calls []ai.Call
	msgs  [][]ai.Message
}

func (f *fakeChatter) Chat(_ context.Context, m []ai.Message, c ai.Call) (ai.Completion, error) {
	f.calls = append(f.calls, c)
	f.msgs = append(f.msgs, m)
	return f.out, f.err
}

type fakeAgents struct {
	defined bool
	out     ai.Completion
	err     error
	ran     int
}

func (f *fakeAgents) Has(string) bool { return f.defined }

func (f *fakeAgents) Run(context.Context, string, string, string, ai.Call) (ai.Completion, error) {
	f.ran++
	return f.out, f.err
}

func TestOptimizeBuiltin(t *testing.T) {
	chat := &fakeChatter{out: ai.Completion{Text: "\"opening hours library weekend\"\nextra line"}}
	o := NewOptimizer(chat, nil, testutil.TestLogger())

	got := o.Optimize(context.Background(), "when is the library open?", "", ai.Call{UserID: "u"})
	assert.Equal(t, "opening hours library weekend", got)
	require.Len(t, chat.calls, 1)
	assert.Equal(t, AgentID, chat.calls[0].Agent)
	assert.Equal(t, "u", chat.calls[0].UserID)
	assert.Equal(t, ai.RoleSystem, chat.msgs[0][0].Role)
	assert.Equal(t, "when is the library open?", chat.msgs[0][1].Content)
}

func TestOptimizePrefersAgent(t *testing.T) {
	chat := &fakeChatter{}
	agents := &fakeAgents{defined: true, out: ai.Completion{Text: "from agent"}}
	o := NewOptimizer(chat, agents, testutil.TestLogger())

	assert.Equal(t, "from agent", o.Optimize(context.Background(), "q", "", ai.Call{}))
	assert.Equal(t, 1, agents.ran)
	assert.Empty(t, chat.calls)
}

func TestOptimizeFallsBackToRawQuestion(t *testing.T) {
	tests := []struct {
		name string
		chat *fakeChatter
	}{
		{"provider error", &fakeChatter{err: errors.New("boom")}},
		{"not configured", &fakeChatter{err: fmt.Errorf("ai: %w", model.ErrServiceNotConfigured)}},
		{"empty output", &fakeChatter{out: ai.Completion{Text: "  \n \"\" "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOptimizer(tt.chat, nil, testutil.TestLogger())
			assert.Equal(t, "raw question", o.Optimize(context.Background(), "raw question", "", ai.Call{}))
		})
	}

	agents := &fakeAgents{defined: true, err: errors.New("agent failed")}
	o := NewOptimizer(&fakeChatter{}, agents, testutil.TestLogger())
	assert.Equal(t, "raw", o.Optimize(context.Background(), "raw", "", ai.Call{}))
}

func TestOptimizeWithContext(t *testing.T) {
	chat := &fakeChatter{out: ai.Completion{Text: "x"}}
	NewOptimizer(chat, nil, testutil.TestLogger()).Optimize(context.Background(), "q", "page: /about", ai.Call{})
	assert.Equal(t, "Context:\npage: /about\n\nQuestion:\nq", chat.msgs[0][1].Content)
}

func TestOptimizeNilRouter(t *testing.T) {
	var o *Optimizer
	assert.Equal(t, "q", o.Optimize(context.Background(), "q", "", ai.Call{}))
}
