package flow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAssistant returns canned replies and optionally runs a hook before
// answering, to simulate work happening while the call is in flight.
type fakeAssistant struct {
	reply  string
	err    error
	hook   func()
	turns  []session.AITurn
	system string
}

func (f *fakeAssistant) Chat(_ context.Context, turns []session.AITurn, system string) (string, error) {
	f.turns = turns
	f.system = system
	if f.hook != nil {
		f.hook()
	}
	return f.reply, f.err
}

func newTestEngine(t *testing.T, llm Assistant) (*Engine, *session.Registry) {
	t.Helper()
	reg := session.NewRegistry(session.Config{InitialState: StateWelcome}, nil, testLogger())
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	reg.SetClock(func() time.Time {
		base = base.Add(time.Second)
		return base
	})
	eng := NewEngine(DefaultGraph(), Config{StepDelay: 2 * time.Second}, reg, llm, testLogger())
	return eng, reg
}

func texts(out []Outbound) []string {
	ts := make([]string, len(out))
	for i, o := range out {
		ts[i] = o.Text
	}
	return ts
}

func TestStepMenuNavigation(t *testing.T) {
	ctx := context.Background()

	t.Run("first contact walks welcome into greeting", func(t *testing.T) {
		eng, reg := newTestEngine(t, &fakeAssistant{})
		reg.GetOrCreate("u1", "Ana")

		res, err := eng.Step(ctx, "u1", "oi")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if len(res.Outbound) != 2 {
			t.Fatalf("expected 2 outbound texts, got %d: %v", len(res.Outbound), texts(res.Outbound))
		}
		if !strings.Contains(res.Outbound[0].Text, "Ana") {
			t.Errorf("expected personalized welcome, got %q", res.Outbound[0].Text)
		}
		if res.Outbound[0].Delay != 0 {
			t.Errorf("first text should have no delay, got %v", res.Outbound[0].Delay)
		}
		if res.Outbound[1].Delay != 2*time.Second {
			t.Errorf("chained text should carry the step delay, got %v", res.Outbound[1].Delay)
		}

		s, _ := reg.LiveSession("u1")
		if s.State != StateGreeting {
			t.Errorf("expected state %s, got %s", StateGreeting, s.State)
		}
	})

	t.Run("greeting option 1 opens department selection", func(t *testing.T) {
		eng, reg := newTestEngine(t, &fakeAssistant{})
		reg.GetOrCreate("u1", "")
		eng.Step(ctx, "u1", "oi")

		res, err := eng.Step(ctx, "u1", "1")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if len(res.Outbound) != 1 || !strings.Contains(res.Outbound[0].Text, "departamento") {
			t.Errorf("expected department prompt, got %v", texts(res.Outbound))
		}
		s, _ := reg.LiveSession("u1")
		if s.State != StateAISelectDept {
			t.Errorf("expected state %s, got %s", StateAISelectDept, s.State)
		}
	})

	t.Run("department option 2 selects Contábil", func(t *testing.T) {
		eng, reg := newTestEngine(t, &fakeAssistant{})
		reg.GetOrCreate("u1", "")
		eng.Step(ctx, "u1", "oi")
		eng.Step(ctx, "u1", "1")

		res, err := eng.Step(ctx, "u1", "2")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if !strings.Contains(res.Outbound[0].Text, "Contábil") {
			t.Errorf("expected Contábil in chat prompt, got %q", res.Outbound[0].Text)
		}
		s, _ := reg.LiveSession("u1")
		if s.State != StateAIChatting {
			t.Errorf("expected state %s, got %s", StateAIChatting, s.State)
		}
		if s.Context.Data["department"] != "Contábil" {
			t.Errorf("expected department Contábil, got %q", s.Context.Data["department"])
		}
	})

	t.Run("option input is trimmed", func(t *testing.T) {
		eng, reg := newTestEngine(t, &fakeAssistant{})
		reg.GetOrCreate("u1", "")
		eng.Step(ctx, "u1", "oi")

		eng.Step(ctx, "u1", "  1  ")
		s, _ := reg.LiveSession("u1")
		if s.State != StateAISelectDept {
			t.Errorf("expected trimmed option to select, state is %s", s.State)
		}
	})
}

func TestStepInvalidOption(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, &fakeAssistant{})
	reg.GetOrCreate("u1", "")
	eng.Step(ctx, "u1", "oi")

	t.Run("first miss re-prompts with a notice", func(t *testing.T) {
		res, err := eng.Step(ctx, "u1", "banana")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if len(res.Outbound) != 1 {
			t.Fatalf("expected 1 outbound, got %d", len(res.Outbound))
		}
		if !strings.Contains(res.Outbound[0].Text, invalidNotice) {
			t.Error("expected the invalid-option notice on first miss")
		}
		if !strings.Contains(res.Outbound[0].Text, "Como posso ajudar?") {
			t.Error("expected the menu to be re-emitted")
		}
	})

	t.Run("second miss re-prompts without the notice", func(t *testing.T) {
		res, _ := eng.Step(ctx, "u1", "0")
		if strings.Contains(res.Outbound[0].Text, invalidNotice) {
			t.Error("notice should only be sent once per node")
		}
	})

	t.Run("out-of-range numbers are invalid", func(t *testing.T) {
		res, _ := eng.Step(ctx, "u1", "9")
		s, _ := reg.LiveSession("u1")
		if s.State != StateGreeting {
			t.Errorf("expected to stay at greeting, got %s", s.State)
		}
		if len(res.Outbound) != 1 {
			t.Errorf("expected a re-prompt, got %d texts", len(res.Outbound))
		}
	})

	t.Run("valid choice clears the notice flag", func(t *testing.T) {
		eng.Step(ctx, "u1", "1")
		res, _ := eng.Step(ctx, "u1", "banana")
		if !strings.Contains(res.Outbound[0].Text, invalidNotice) {
			t.Error("expected the notice again after a state transition")
		}
	})
}

func TestStepSchedulingChain(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, &fakeAssistant{})
	reg.GetOrCreate("u1", "Carlos")
	eng.Step(ctx, "u1", "oi")

	eng.Step(ctx, "u1", "2") // agendar
	eng.Step(ctx, "u1", "Carlos Pereira")
	eng.Step(ctx, "u1", "quinta às 14h")
	res, err := eng.Step(ctx, "u1", "revisão do balanço anual")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if !strings.Contains(res.Outbound[0].Text, "agendamento foi registrado") {
		t.Errorf("expected confirmation text, got %q", res.Outbound[0].Text)
	}

	if own := reg.Ownership("u1"); own.Kind != session.OwnerQueued {
		t.Fatalf("expected queued ownership, got %s", own.Kind)
	}
	q := reg.QueueSnapshot()
	if len(q) != 1 {
		t.Fatalf("expected 1 queue entry, got %d", len(q))
	}
	if q[0].Department != "Agendamento" {
		t.Errorf("expected department Agendamento, got %q", q[0].Department)
	}
	if !strings.Contains(q[0].Message, "Carlos Pereira") || !strings.Contains(q[0].Message, "quinta às 14h") {
		t.Errorf("expected captured details in the queue reason, got %q", q[0].Message)
	}
}

func TestStepHumanTransfer(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, &fakeAssistant{})
	reg.GetOrCreate("u1", "")
	eng.Step(ctx, "u1", "oi")

	eng.Step(ctx, "u1", "3") // falar com atendente
	res, err := eng.Step(ctx, "u1", "1")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !strings.Contains(res.Outbound[0].Text, "Fiscal") {
		t.Errorf("expected department in transfer text, got %q", res.Outbound[0].Text)
	}
	if own := reg.Ownership("u1"); own.Kind != session.OwnerQueued {
		t.Errorf("expected queued ownership, got %s", own.Kind)
	}
	q := reg.QueueSnapshot()
	if len(q) != 1 || q[0].Department != "Fiscal" {
		t.Errorf("expected Fiscal queue entry, got %+v", q)
	}
}

func TestStepTerminal(t *testing.T) {
	ctx := context.Background()
	eng, reg := newTestEngine(t, &fakeAssistant{})
	reg.GetOrCreate("u1", "")
	eng.Step(ctx, "u1", "oi")

	res, err := eng.Step(ctx, "u1", "4")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.Terminal {
		t.Error("expected terminal result")
	}
	if !strings.Contains(res.Outbound[0].Text, "Obrigado pelo contato") {
		t.Errorf("expected farewell, got %q", res.Outbound[0].Text)
	}
	if own := reg.Ownership("u1"); own.Kind != session.OwnerNone {
		t.Errorf("expected session archived, ownership is %s", own.Kind)
	}
	segs := reg.ArchivedSegments("u1")
	if len(segs) != 1 || segs[0].ResolvedBy != "user" {
		t.Errorf("expected one segment resolved by user, got %+v", segs)
	}
}

func TestStepLLMChat(t *testing.T) {
	ctx := context.Background()

	enterChat := func(t *testing.T, eng *Engine, reg *session.Registry) {
		t.Helper()
		reg.GetOrCreate("u1", "")
		eng.Step(ctx, "u1", "oi")
		eng.Step(ctx, "u1", "1")
		eng.Step(ctx, "u1", "2") // Contábil
	}

	t.Run("free text reaches the assistant with context", func(t *testing.T) {
		fake := &fakeAssistant{reply: "O prazo do balanço é 30 de abril."}
		eng, reg := newTestEngine(t, fake)
		enterChat(t, eng, reg)

		res, err := eng.Step(ctx, "u1", "qual o prazo do balanço?")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if len(res.Outbound) != 1 || res.Outbound[0].Text != fake.reply {
			t.Errorf("expected llm reply, got %v", texts(res.Outbound))
		}
		if !strings.Contains(fake.system, "Contábil") {
			t.Errorf("expected department in system instruction, got %q", fake.system)
		}
		if len(fake.turns) != 1 || fake.turns[0].Content != "qual o prazo do balanço?" {
			t.Errorf("expected user turn, got %+v", fake.turns)
		}

		s, _ := reg.LiveSession("u1")
		if len(s.AIHistory) != 2 {
			t.Errorf("expected user+assistant turns recorded, got %d", len(s.AIHistory))
		}
	})

	t.Run("history accumulates across turns", func(t *testing.T) {
		fake := &fakeAssistant{reply: "resposta"}
		eng, reg := newTestEngine(t, fake)
		enterChat(t, eng, reg)

		eng.Step(ctx, "u1", "primeira pergunta")
		eng.Step(ctx, "u1", "segunda pergunta")

		if len(fake.turns) != 3 {
			t.Errorf("expected 3 turns on second call, got %d", len(fake.turns))
		}
	})

	t.Run("assistant failure degrades to an apology", func(t *testing.T) {
		fake := &fakeAssistant{err: errors.New("api down")}
		eng, reg := newTestEngine(t, fake)
		enterChat(t, eng, reg)

		res, err := eng.Step(ctx, "u1", "pergunta")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if len(res.Outbound) != 1 || res.Outbound[0].Text != apologyText {
			t.Errorf("expected apology, got %v", texts(res.Outbound))
		}
	})

	t.Run("reply is dropped after a mid-call takeover", func(t *testing.T) {
		fake := &fakeAssistant{reply: "tarde demais"}
		eng, reg := newTestEngine(t, fake)
		enterChat(t, eng, reg)

		fake.hook = func() {
			if _, err := reg.Takeover("u1", "att-1"); err != nil {
				t.Errorf("takeover during llm call: %v", err)
			}
		}

		res, err := eng.Step(ctx, "u1", "pergunta")
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if len(res.Outbound) != 0 {
			t.Errorf("expected dropped reply, got %v", texts(res.Outbound))
		}
		s, _ := reg.LiveSession("u1")
		for _, turn := range s.AIHistory {
			if turn.Content == "tarde demais" {
				t.Error("stale reply leaked into the history")
			}
		}
	})

	t.Run("numbered escape beats the llm", func(t *testing.T) {
		fake := &fakeAssistant{reply: "não deveria ser chamado"}
		eng, reg := newTestEngine(t, fake)
		enterChat(t, eng, reg)

		eng.Step(ctx, "u1", "1") // falar com atendente
		if own := reg.Ownership("u1"); own.Kind != session.OwnerQueued {
			t.Errorf("expected queued, got %s", own.Kind)
		}
		if fake.turns != nil {
			t.Error("assistant should not be consulted for a menu escape")
		}
	})
}

func TestStepAutoAdvanceChain(t *testing.T) {
	graph := &Graph{
		Initial: "A",
		Nodes: map[string]*Node{
			"A": {Name: "A", Prompt: "primeiro", Next: "B"},
			"B": {Name: "B", Prompt: "segundo", Next: "C"},
			"C": {Name: "C", Prompt: "terceiro\n\n1 - Continuar",
				Options: []Option{{Label: "Continuar", Target: "C"}}},
		},
	}
	reg := session.NewRegistry(session.Config{InitialState: "A"}, nil, testLogger())
	eng := NewEngine(graph, Config{StepDelay: time.Second}, reg, &fakeAssistant{}, testLogger())
	reg.GetOrCreate("u1", "")

	res, err := eng.Step(context.Background(), "u1", "oi")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(res.Outbound) != 3 {
		t.Fatalf("expected 3 chained texts, got %d: %v", len(res.Outbound), texts(res.Outbound))
	}
	wantDelays := []time.Duration{0, time.Second, time.Second}
	for i, o := range res.Outbound {
		if o.Delay != wantDelays[i] {
			t.Errorf("text %d: expected delay %v, got %v", i, wantDelays[i], o.Delay)
		}
	}
	for i, o := range res.Outbound {
		if res.Outbound[0].Seq+int64(i) != o.Seq {
			t.Errorf("expected consecutive seqs, got %v", res.Outbound)
		}
	}
	s, _ := reg.LiveSession("u1")
	if s.State != "C" {
		t.Errorf("expected to stop at C, got %s", s.State)
	}
}

func TestStepUnknownState(t *testing.T) {
	eng, reg := newTestEngine(t, &fakeAssistant{})
	reg.GetOrCreate("u1", "")
	reg.Update("u1", func(s *session.Session, _ session.Ownership) {
		s.State = "REMOVED_NODE"
	})

	res, err := eng.Step(context.Background(), "u1", "oi")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(res.Outbound) == 0 {
		t.Fatal("expected a recovery prompt")
	}
	s, _ := reg.LiveSession("u1")
	if s.State != StateGreeting {
		t.Errorf("expected reset into the greeting, got %s", s.State)
	}
}

func TestStepNonBotSession(t *testing.T) {
	eng, reg := newTestEngine(t, &fakeAssistant{})
	reg.GetOrCreate("u1", "")
	reg.Takeover("u1", "att-1")

	res, err := eng.Step(context.Background(), "u1", "oi")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(res.Outbound) != 0 {
		t.Errorf("expected silence for a human-owned session, got %v", texts(res.Outbound))
	}
}

func TestExpand(t *testing.T) {
	s := &session.Session{UserName: "Ana"}
	s.Context.Merge(map[string]string{"department": "Fiscal"})

	got := expand("Olá{name_comma}! Depto: {department}.", s)
	if got != "Olá, Ana! Depto: Fiscal." {
		t.Errorf("expand = %q", got)
	}

	anon := &session.Session{}
	got = expand("Olá{name_comma}!", anon)
	if got != "Olá!" {
		t.Errorf("expand without name = %q", got)
	}
}
