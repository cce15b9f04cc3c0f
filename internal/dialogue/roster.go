package dialogue

import (
	"errors"
	"fmt"
	"strings"

	llm "github.com/MrWong99/carevox/pkg/provider/llm"
)

// handoffToolPrefix is prepended to the slug of an agent's name to form the
// name of the tool that transfers the conversation to it.
const handoffToolPrefix = "transfer_to_"

// handoffPreamble is prepended to every agent's instructions.
const handoffPreamble = `# System context
You are part of a multi-agent healthcare voice assistant. Agents hand a conversation to one another by calling a transfer_to_<agent> tool. Do not mention transfers to the user; continue the conversation naturally. Your replies are spoken aloud, so avoid markdown, lists, and long numbers written as digits where words read better.

`

// Agent is one dialogue persona.
type Agent struct {
	// Name identifies the agent in history reconciliation, logs, and config.
	Name string `yaml:"name"`

	// Description is offered to other agents in the hand-off tool.
	Description string `yaml:"description"`

	// Instructions is the agent's system prompt.
	Instructions string `yaml:"instructions"`

	// Handoffs lists the names of agents this agent may transfer to.
	Handoffs []string `yaml:"handoffs"`

	// Model selects a provider registered with [WithModelProviders]. Empty
	// uses the runner's default provider.
	Model string `yaml:"model"`
}

// Roster is an immutable, validated set of agents with a default entry
// point. It is safe for concurrent use.
type Roster struct {
	agents       map[string]Agent
	order        []string
	defaultAgent string
	tools        map[string]string // tool name -> agent name
}

// NewRoster validates agents and returns a Roster whose sessions start with
// defaultAgent.
func NewRoster(defaultAgent string, agents []Agent) (*Roster, error) {
	r := &Roster{
		agents:       make(map[string]Agent, len(agents)),
		defaultAgent: defaultAgent,
		tools:        make(map[string]string, len(agents)),
	}

	var errs []error
	for i, a := range agents {
		switch {
		case strings.TrimSpace(a.Name) == "":
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		case r.has(a.Name):
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name))
			continue
		}
		tool := HandoffToolName(a.Name)
		if other, ok := r.tools[tool]; ok {
			errs = append(errs, fmt.Errorf("agents[%d]: %q and %q share hand-off tool %q", i, a.Name, other, tool))
			continue
		}
		a.Handoffs = append([]string(nil), a.Handoffs...)
		r.agents[a.Name] = a
		r.order = append(r.order, a.Name)
		r.tools[tool] = a.Name
	}
	for _, name := range r.order {
		for _, h := range r.agents[name].Handoffs {
			if !r.has(h) {
				errs = append(errs, fmt.Errorf("agent %q: hand-off target %q is not in the roster", name, h))
			}
			if h == name {
				errs = append(errs, fmt.Errorf("agent %q: cannot hand off to itself", name))
			}
		}
	}
	if !r.has(defaultAgent) {
		errs = append(errs, fmt.Errorf("default agent %q is not in the roster", defaultAgent))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("dialogue: invalid roster: %w", err)
	}
	return r, nil
}

func (r *Roster) has(name string) bool {
	_, ok := r.agents[name]
	return ok
}

// Default returns the name of the agent that handles a new session.
func (r *Roster) Default() string { return r.defaultAgent }

// Names returns agent names in declaration order.
func (r *Roster) Names() []string {
	return append([]string(nil), r.order...)
}

// Get looks up an agent by name.
func (r *Roster) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// HandoffTools returns the tool definitions offered to a while it is active.
func (r *Roster) HandoffTools(a Agent) []llm.ToolDefinition {
	if len(a.Handoffs) == 0 {
		return nil
	}
	tools := make([]llm.ToolDefinition, 0, len(a.Handoffs))
	for _, name := range a.Handoffs {
		target := r.agents[name]
		desc := "Hand off the conversation to the " + target.Name + " agent."
		if target.Description != "" {
			desc += " " + target.Description
		}
		tools = append(tools, llm.ToolDefinition{
			Name:        HandoffToolName(target.Name),
			Description: desc,
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		})
	}
	return tools
}

// ResolveHandoff maps a tool call issued by from to its target agent. ok is
// false when the tool is not a hand-off tool or from may not transfer there.
func (r *Roster) ResolveHandoff(from Agent, toolName string) (target string, ok bool) {
	target, ok = r.tools[toolName]
	if !ok {
		return "", false
	}
	for _, h := range from.Handoffs {
		if h == target {
			return target, true
		}
	}
	return "", false
}

// SystemPrompt returns the full system prompt for a.
func SystemPrompt(a Agent) string {
	return handoffPreamble + a.Instructions
}

// HandoffToolName returns the tool name that transfers to the named agent:
// "Mental Health" becomes "transfer_to_mental_health".
func HandoffToolName(agent string) string {
	return handoffToolPrefix + Slug(agent)
}

// Slug lowercases name and collapses every run of non-alphanumeric
// characters into a single underscore.
func Slug(name string) string {
	var sb strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && sb.Len() > 0 {
				sb.WriteByte('_')
			}
			pendingSep = false
			sb.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return sb.String()
}

// DefaultAgentName is the triage agent of [DefaultRoster].
const DefaultAgentName = "Assistant"

const defaultModel = "gpt-4o-mini"

// DefaultAgents returns the built-in healthcare roster: a triage assistant
// that hands off to seven specialists.
func DefaultAgents() []Agent {
	specialists := []Agent{
		{
			Name:         "General Healthcare",
			Description:  "A general healthcare specialist that provides basic health information and triage.",
			Instructions: "You're a general healthcare assistant. Provide helpful health information but always remind users to consult healthcare professionals for medical advice. Be polite and concise. Always respond in English only. If the query is specialized, recommend the appropriate specialist.",
		},
		{
			Name:         "Cardiology",
			Description:  "A cardiology specialist for heart-related queries.",
			Instructions: "You're a cardiology assistant specializing in heart health. Provide information about heart conditions, cardiovascular health, and related symptoms. Always emphasize the importance of seeking professional medical advice. Be polite and concise. Always respond in English only.",
		},
		{
			Name:         "Neurology",
			Description:  "A neurology specialist for brain and nervous system queries.",
			Instructions: "You're a neurology assistant specializing in brain and nervous system health. Provide information about neurological conditions, brain health, and related symptoms. Always emphasize the importance of seeking professional medical advice. Be polite and concise. Always respond in English only.",
		},
		{
			Name:         "Nutrition",
			Description:  "A nutrition specialist for diet and food-related queries.",
			Instructions: "You're a nutrition assistant specializing in dietary advice. Provide information about healthy eating, dietary requirements for various conditions, and general nutrition facts. Always emphasize consulting with a registered dietitian for personalized advice. Be polite and concise. Always respond in English only.",
		},
		{
			Name:         "Medication",
			Description:  "A pharmacy specialist for medication-related queries.",
			Instructions: "You're a medication assistant specializing in pharmaceutical information. Provide general information about medications, potential side effects, and usage guidelines. Always emphasize the importance of following a doctor's prescription and consulting with a pharmacist. Be polite and concise. Always respond in English only.",
		},
		{
			Name:         "Mental Health",
			Description:  "A mental health specialist for psychological and emotional wellbeing queries.",
			Instructions: "You're a mental health assistant specializing in psychological wellbeing. Provide supportive information about mental health conditions, stress management, and emotional wellbeing. Always emphasize the importance of seeking professional help from therapists or counselors. Be empathetic, polite, and concise. Always respond in English only.",
		},
		{
			Name:         "Cancer Research",
			Description:  "An oncology specialist for cancer types, treatments, research developments, and prevention.",
			Instructions: "You're a cancer research specialist. Provide evidence-based information about cancer types, treatments, research developments, and prevention. Emphasize that patients should consult with oncologists for personalized medical advice. Be compassionate, accurate, and clear in your explanations. Always respond in English only.",
		},
	}

	triage := Agent{
		Name:         DefaultAgentName,
		Instructions: "You're speaking to a human seeking health information. Be polite, empathetic, and concise. Hand off to: General Healthcare for basic health questions, Cardiology for heart-related queries, Neurology for brain and nervous system questions, Nutrition for diet inquiries, Medication for pharmaceutical questions, Mental Health for psychological wellbeing topics, and Cancer Research for any cancer or oncology related questions. Always respond in English only. Reference previous parts of the conversation when appropriate.",
		Model:        defaultModel,
	}
	agents := []Agent{triage}
	for _, s := range specialists {
		s.Model = defaultModel
		triage.Handoffs = append(triage.Handoffs, s.Name)
		agents = append(agents, s)
	}
	agents[0] = triage
	return agents
}

// DefaultRoster returns the validated built-in roster.
func DefaultRoster() *Roster {
	r, err := NewRoster(DefaultAgentName, DefaultAgents())
	if err != nil {
		panic(err)
	}
	return r
}
