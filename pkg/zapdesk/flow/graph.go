// Package flow implements the bot's dialogue graph: named states, numbered
// option edges, free-text capture nodes, an LLM chat node and auto-advance
// chains. The engine drives a session through the graph one inbound message
// at a time.
package flow

// Option is a numbered edge out of a node. Set is merged into the session
// context when the option is taken.
type Option struct {
	Label  string            `yaml:"label"`
	Target string            `yaml:"target"`
	Set    map[string]string `yaml:"set,omitempty"`
}

// Node is one dialogue state.
type Node struct {
	Name string `yaml:"name"`

	// Prompt is emitted when the node is entered. Placeholders like
	// {name} and {department} are expanded from the session.
	Prompt string `yaml:"prompt"`

	// Options are the numbered choices. Input "n" takes Options[n-1].
	Options []Option `yaml:"options,omitempty"`

	// FreeText marks a node that captures the whole input as raw text
	// and advances through Next.
	FreeText bool `yaml:"free_text,omitempty"`

	// Next is the follow-up state for FreeText nodes and for auto-advance
	// nodes (no options, no free text: the engine walks straight through).
	Next string `yaml:"next,omitempty"`

	// LLMChat forwards all free text to the LLM collaborator instead of
	// edge resolution. Only a listed numbered option leaves the node.
	LLMChat bool `yaml:"llm_chat,omitempty"`

	// EnterQueue parks the session in the attendant queue when the node
	// is entered. The department comes from QueueDept, or from the
	// session context key "department" when empty.
	EnterQueue bool   `yaml:"enter_queue,omitempty"`
	QueueDept  string `yaml:"queue_dept,omitempty"`

	// Terminal ends the conversation: the prompt is the farewell and the
	// session is resolved with resolvedBy = "user".
	Terminal bool `yaml:"terminal,omitempty"`
}

// auto reports whether the node advances without user interaction.
func (n *Node) auto() bool {
	return n.Next != "" && !n.FreeText && !n.LLMChat && len(n.Options) == 0
}

// Graph is the dialogue graph.
type Graph struct {
	Initial string           `yaml:"initial"`
	Nodes   map[string]*Node `yaml:"nodes"`
}

// Canonical state names of the default graph.
const (
	StateWelcome           = "WELCOME"
	StateGreeting          = "GREETING"
	StateAISelectDept      = "AI_ASSISTANT_SELECT_DEPT"
	StateAIChatting        = "AI_ASSISTANT_CHATTING"
	StateSchedulingName    = "SCHEDULING_NAME"
	StateSchedulingDate    = "SCHEDULING_DATE"
	StateSchedulingDetails = "SCHEDULING_DETAILS"
	StateSchedulingDone    = "SCHEDULING_CONFIRMED"
	StateHumanSelectDept   = "HUMAN_SELECT_DEPT"
	StateHumanTransfer     = "HUMAN_TRANSFER"
	StateFarewell          = "FAREWELL"
)

// DefaultGraph returns the built-in support dialogue.
func DefaultGraph() *Graph {
	departments := []Option{
		{Label: "Fiscal", Set: map[string]string{"department": "Fiscal"}},
		{Label: "Contábil", Set: map[string]string{"department": "Contábil"}},
		{Label: "Departamento Pessoal", Set: map[string]string{"department": "Departamento Pessoal"}},
	}

	aiDepts := make([]Option, len(departments))
	humanDepts := make([]Option, len(departments))
	for i, d := range departments {
		aiDepts[i] = Option{Label: d.Label, Target: StateAIChatting, Set: d.Set}
		humanDepts[i] = Option{Label: d.Label, Target: StateHumanTransfer, Set: d.Set}
	}

	return &Graph{
		Initial: StateWelcome,
		Nodes: map[string]*Node{
			StateWelcome: {
				Name:   StateWelcome,
				Prompt: "Olá{name_comma}! Bem-vindo ao nosso atendimento. 👋",
				Next:   StateGreeting,
			},
			StateGreeting: {
				Name: StateGreeting,
				Prompt: "Como posso ajudar?\n\n" +
					"1 - Assistente virtual (IA)\n" +
					"2 - Agendar atendimento\n" +
					"3 - Falar com um atendente\n" +
					"4 - Encerrar conversa",
				Options: []Option{
					{Label: "Assistente virtual", Target: StateAISelectDept},
					{Label: "Agendar atendimento", Target: StateSchedulingName},
					{Label: "Falar com atendente", Target: StateHumanSelectDept},
					{Label: "Encerrar", Target: StateFarewell},
				},
			},
			StateAISelectDept: {
				Name: StateAISelectDept,
				Prompt: "Sobre qual departamento é a sua dúvida?\n\n" +
					"1 - Fiscal\n" +
					"2 - Contábil\n" +
					"3 - Departamento Pessoal",
				Options: aiDepts,
			},
			StateAIChatting: {
				Name: StateAIChatting,
				Prompt: "Você está falando com o assistente virtual do departamento {department}. " +
					"Pode enviar sua pergunta!\n\n" +
					"1 - Falar com um atendente\n" +
					"2 - Encerrar conversa",
				LLMChat: true,
				Options: []Option{
					{Label: "Falar com atendente", Target: StateHumanTransfer},
					{Label: "Encerrar", Target: StateFarewell},
				},
			},
			StateSchedulingName: {
				Name:     StateSchedulingName,
				Prompt:   "Vamos agendar seu atendimento. Qual é o seu nome completo?",
				FreeText: true,
				Next:     StateSchedulingDate,
			},
			StateSchedulingDate: {
				Name:     StateSchedulingDate,
				Prompt:   "Qual a melhor data e horário para você?",
				FreeText: true,
				Next:     StateSchedulingDetails,
			},
			StateSchedulingDetails: {
				Name:     StateSchedulingDetails,
				Prompt:   "Descreva brevemente o assunto do atendimento.",
				FreeText: true,
				Next:     StateSchedulingDone,
			},
			StateSchedulingDone: {
				Name: StateSchedulingDone,
				Prompt: "Perfeito! Seu agendamento foi registrado e encaminhado à nossa equipe. " +
					"Um atendente confirmará com você em breve. 📅",
				EnterQueue: true,
				QueueDept:  "Agendamento",
			},
			StateHumanSelectDept: {
				Name: StateHumanSelectDept,
				Prompt: "Para qual departamento devo direcionar seu atendimento?\n\n" +
					"1 - Fiscal\n" +
					"2 - Contábil\n" +
					"3 - Departamento Pessoal",
				Options: humanDepts,
			},
			StateHumanTransfer: {
				Name: StateHumanTransfer,
				Prompt: "Encaminhando você para um atendente do departamento {department}. " +
					"Aguarde um momento, por favor. 🕐",
				EnterQueue: true,
			},
			StateFarewell: {
				Name:     StateFarewell,
				Prompt:   "Obrigado pelo contato! Se precisar de algo, é só chamar. Até logo! 👋",
				Terminal: true,
			},
		},
	}
}
