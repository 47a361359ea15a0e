package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// Assistant is the LLM collaborator. Failures never abort a step; the
// engine degrades to a generic apology.
type Assistant interface {
	Chat(ctx context.Context, turns []session.AITurn, system string) (string, error)
}

// Config tunes the dialogue engine.
type Config struct {
	// StepDelay is the enforced gap between consecutive prompts of an
	// auto-advance chain. It is carried on the emitted entries and
	// honored by the outbound queue, so tests never wait on wall clock.
	StepDelay time.Duration `yaml:"step_delay"`

	// Instructions maps a department to the system instruction used by
	// the LLM chat node. Departments without an entry fall back to
	// DefaultInstruction.
	Instructions map[string]string `yaml:"instructions,omitempty"`

	DefaultInstruction string `yaml:"default_instruction"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StepDelay: 1500 * time.Millisecond,
		DefaultInstruction: "Você é um assistente de atendimento ao cliente de um " +
			"escritório de contabilidade. Responda em português, de forma breve e cordial. " +
			"Se não souber a resposta, oriente o cliente a falar com um atendente humano.",
	}
}

const (
	invalidNotice = "Opção inválida. Por favor, escolha uma das opções do menu."
	apologyText   = "Desculpe, estou com dificuldades para responder agora. " +
		"Tente novamente em instantes ou digite 1 para falar com um atendente."
)

// Outbound is one text the engine wants delivered, in emission order.
// Seq identifies the matching message in the session log for delivery
// acks; Delay is the pacing gap after the previous emission.
type Outbound struct {
	Seq   int64
	Text  string
	Delay time.Duration
}

// Result is the outcome of one Step.
type Result struct {
	Outbound []Outbound
	Terminal bool
}

type effectKind int

const (
	effectQueue effectKind = iota
	effectResolve
)

type effect struct {
	kind   effectKind
	dept   string
	reason string
}

type llmRequest struct {
	system string
	turns  []session.AITurn
}

// Engine drives sessions through the dialogue graph. All session mutation
// goes through the registry's Update so the engine never caches a record
// across a suspension point.
type Engine struct {
	graph  *Graph
	cfg    Config
	reg    *session.Registry
	llm    Assistant
	logger *slog.Logger
}

// NewEngine creates a dialogue engine.
func NewEngine(graph *Graph, cfg Config, reg *session.Registry, llm Assistant, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if graph == nil {
		graph = DefaultGraph()
	}
	if cfg.StepDelay == 0 {
		cfg.StepDelay = DefaultConfig().StepDelay
	}
	if cfg.DefaultInstruction == "" {
		cfg.DefaultInstruction = DefaultConfig().DefaultInstruction
	}
	return &Engine{
		graph:  graph,
		cfg:    cfg,
		reg:    reg,
		llm:    llm,
		logger: logger.With("component", "flow"),
	}
}

// InitialState exposes the graph entry node (registry wiring).
func (e *Engine) InitialState() string { return e.graph.Initial }

// Step advances the user's bot-owned session with one inbound text.
// Returned outbound entries are already appended to the message log.
func (e *Engine) Step(ctx context.Context, userID, input string) (Result, error) {
	var (
		out     []Outbound
		effects []effect
		llmReq  *llmRequest
	)

	err := e.reg.Update(userID, func(s *session.Session, own session.Ownership) {
		if own.Kind != session.OwnerBot {
			return
		}

		node := e.graph.Nodes[s.State]
		if node == nil {
			// Unknown state: recover by restarting at the greeting.
			e.logger.Warn("flow: unknown state, resetting", "user", userID, "state", s.State)
			e.enterLocked(s, e.graph.Initial, &out, &effects)
			return
		}

		if node.auto() {
			e.enterLocked(s, node.Name, &out, &effects)
			return
		}

		if n, convErr := strconv.Atoi(strings.TrimSpace(input)); convErr == nil &&
			n >= 1 && n <= len(node.Options) {
			opt := node.Options[n-1]
			s.Context.Merge(opt.Set)
			e.enterLocked(s, opt.Target, &out, &effects)
			return
		}

		if node.LLMChat {
			s.AIHistory = append(s.AIHistory, session.AITurn{Role: "user", Content: input})
			llmReq = &llmRequest{
				system: e.instructionFor(s.Context.Data["department"]),
				turns:  append([]session.AITurn(nil), s.AIHistory...),
			}
			return
		}

		if node.FreeText {
			s.Context.Capture(node.Name, input)
			e.enterLocked(s, node.Next, &out, &effects)
			return
		}

		// Invalid choice: re-emit the prompt, notice only on the first miss.
		text := expand(node.Prompt, s)
		if !s.InvalidNotified {
			text += "\n\n" + invalidNotice
			s.InvalidNotified = true
		}
		m := s.Append(session.Message{Sender: session.SenderBot, Text: text})
		out = append(out, Outbound{Seq: m.Seq, Text: text})
	})
	if err != nil {
		return Result{}, fmt.Errorf("stepping session %s: %w", userID, err)
	}

	if llmReq != nil {
		out = append(out, e.completeChat(ctx, userID, llmReq)...)
	}

	terminal := false
	for _, ef := range effects {
		switch ef.kind {
		case effectQueue:
			if _, qErr := e.reg.MoveToQueue(userID, ef.dept, ef.reason); qErr != nil &&
				!errors.Is(qErr, session.ErrNotFound) {
				e.logger.Error("flow: queue side effect failed", "user", userID, "error", qErr)
			}
		case effectResolve:
			if _, rErr := e.reg.ResolveBot(userID, "user"); rErr != nil &&
				!errors.Is(rErr, session.ErrNotFound) {
				e.logger.Error("flow: terminal resolve failed", "user", userID, "error", rErr)
			}
			terminal = true
		}
	}

	return Result{Outbound: out, Terminal: terminal}, nil
}

// completeChat runs the LLM call outside the registry lock, then re-fetches
// the session to apply the reply. If ownership changed while the call was
// in flight (takeover mid-reply), the reply is dropped.
func (e *Engine) completeChat(ctx context.Context, userID string, req *llmRequest) []Outbound {
	reply, err := e.llm.Chat(ctx, req.turns, req.system)
	if err != nil || strings.TrimSpace(reply) == "" {
		if err != nil {
			e.logger.Warn("flow: llm call failed, degrading", "user", userID, "error", err)
		}
		reply = apologyText
	}

	var out []Outbound
	updateErr := e.reg.Update(userID, func(s *session.Session, own session.Ownership) {
		if own.Kind != session.OwnerBot {
			e.logger.Info("flow: dropping llm reply, session no longer bot-owned",
				"user", userID, "owner", string(own.Kind))
			return
		}
		s.AIHistory = append(s.AIHistory, session.AITurn{Role: "assistant", Content: reply})
		m := s.Append(session.Message{Sender: session.SenderBot, Text: reply})
		out = append(out, Outbound{Seq: m.Seq, Text: reply})
	})
	if updateErr != nil {
		e.logger.Info("flow: session gone before llm reply", "user", userID)
	}
	return out
}

// enterLocked walks into state name, emitting prompts and auto-advancing
// through no-interaction nodes until one requires input or ends the flow.
func (e *Engine) enterLocked(s *session.Session, name string, out *[]Outbound, effects *[]effect) {
	first := len(*out) == 0
	for {
		node := e.graph.Nodes[name]
		if node == nil {
			if name == e.graph.Initial {
				e.logger.Error("flow: graph has no initial node", "initial", name)
				return
			}
			name = e.graph.Initial
			continue
		}

		s.State = node.Name
		s.InvalidNotified = false

		if node.Prompt != "" {
			text := expand(node.Prompt, s)
			m := s.Append(session.Message{Sender: session.SenderBot, Text: text})
			var delay time.Duration
			if !first {
				delay = e.cfg.StepDelay
			}
			first = false
			*out = append(*out, Outbound{Seq: m.Seq, Text: text, Delay: delay})
		}

		switch {
		case node.EnterQueue:
			dept := node.QueueDept
			if dept == "" {
				dept = s.Context.Data["department"]
			}
			*effects = append(*effects, effect{kind: effectQueue, dept: dept, reason: queueReason(s)})
			return
		case node.Terminal:
			*effects = append(*effects, effect{kind: effectResolve})
			return
		case node.auto():
			name = node.Next
		default:
			return
		}
	}
}

func (e *Engine) instructionFor(department string) string {
	if inst, ok := e.cfg.Instructions[department]; ok && inst != "" {
		return inst
	}
	inst := e.cfg.DefaultInstruction
	if department != "" {
		inst += " Departamento: " + department + "."
	}
	return inst
}

// queueReason summarizes why the user is waiting: the collected scheduling
// details when present, otherwise the last thing the user said.
func queueReason(s *session.Session) string {
	h := s.Context.History
	if h[StateSchedulingName] != "" || h[StateSchedulingDate] != "" {
		return fmt.Sprintf("Agendamento: %s — %s (%s)",
			h[StateSchedulingName], h[StateSchedulingDate], h[StateSchedulingDetails])
	}
	for i := len(s.MessageLog) - 1; i >= 0; i-- {
		if s.MessageLog[i].Sender == session.SenderUser && s.MessageLog[i].Text != "" {
			return s.MessageLog[i].Text
		}
	}
	return ""
}

// expand substitutes {name}, {name_comma} and every {key} present in the
// session context into a prompt.
func expand(prompt string, s *session.Session) string {
	comma := ""
	if s.UserName != "" {
		comma = ", " + s.UserName
	}
	prompt = strings.ReplaceAll(prompt, "{name_comma}", comma)
	prompt = strings.ReplaceAll(prompt, "{name}", s.UserName)
	for k, v := range s.Context.Data {
		prompt = strings.ReplaceAll(prompt, "{"+k+"}", v)
	}
	return prompt
}
