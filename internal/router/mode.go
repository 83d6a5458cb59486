// Package router decides which text chunks become hint requests and builds
// their prompts. Each mode is a value implementing Mode; the router never
// switches on mode names.
package router

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/hint"
	"golang.org/x/time/rate"
)

// PromptContext carries the per-request inputs of prompt building.
type PromptContext struct {
	CustomPrompt string
	Knowledge    string
	MaxBullets   int
}

// Mode is one hint behavior.
type Mode interface {
	Name() domain.Mode
	// ShouldTrigger decides whether chunk produces a request. Stateful modes
	// (rate limits) consume their budget here.
	ShouldTrigger(chunk domain.TextChunk, now time.Time) bool
	BuildPrompt(chunk domain.TextChunk, pc PromptContext) []domain.Message
	Policy() hint.Policy
}

const interviewPrompt = `You are an interview assistant helping a candidate answer questions in real time.
Provide 1-{bullets} short bullet points the candidate can use in their answer.
Each bullet must be 5-15 words. Be specific and practical.
Output ONLY bullet points starting with "- ".{knowledge}`

const meetingPrompt = `You are a meeting assistant listening to a live conversation.
Provide 1-{bullets} short bullet points with useful context, a follow-up question or an action item.
Each bullet must be 5-15 words.
Output ONLY bullet points starting with "- ".{knowledge}`

const translationPrompt = `You are a live interpreter. Translate the statement into {language}.
Output 1-{bullets} bullet points starting with "- ": the translation first, then short notes on idioms if any.{knowledge}`

// renderSystem fills the placeholders of a system prompt template and
// appends the custom instructions.
func renderSystem(tmpl string, pc PromptContext, vars map[string]string) string {
	knowledge := ""
	if pc.Knowledge != "" {
		knowledge = "\n\nRelevant knowledge:\n" + pc.Knowledge + "\n"
	}
	pairs := []string{
		"{bullets}", fmt.Sprint(max(pc.MaxBullets, 1)),
		"{knowledge}", knowledge,
	}
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	system := strings.NewReplacer(pairs...).Replace(tmpl)
	if pc.CustomPrompt != "" {
		system += "\n\nAdditional instructions: " + pc.CustomPrompt
	}
	return system
}

// buildMessages lays out system prompt, recent conversation and the chunk.
// The chunk is rendered as the whole utterance so far, so a question split
// by the word-count trigger is still asked in full.
func buildMessages(system, label string, chunk domain.TextChunk, pc PromptContext) []domain.Message {
	msgs := []domain.Message{{Role: domain.RoleSystem, Content: system}}
	if chunk.GlobalContext != "" {
		msgs = append(msgs, domain.Message{Role: domain.RoleUser, Content: "Recent conversation:\n" + chunk.GlobalContext})
	}
	msgs = append(msgs, domain.Message{
		Role:    domain.RoleUser,
		Content: fmt.Sprintf("%s: %s\n\nProvide 1-%d bullet points:", label, chunk.FullText(), max(pc.MaxBullets, 1)),
	})
	return msgs
}

// Interview answers questions from the other party as soon as they are
// recognized, preempting any older hint.
type Interview struct{}

var _ Mode = Interview{}

func (Interview) Name() domain.Mode { return domain.ModeInterview }

func (Interview) ShouldTrigger(chunk domain.TextChunk, _ time.Time) bool {
	return chunk.Speaker == domain.SpeakerOther && IsQuestion(chunk.FullText())
}

func (Interview) BuildPrompt(chunk domain.TextChunk, pc PromptContext) []domain.Message {
	return buildMessages(renderSystem(interviewPrompt, pc, nil), "Question", chunk, pc)
}

func (Interview) Policy() hint.Policy { return hint.PolicyPreempt }

// Meeting comments on completed statements of the other party, at most once
// per interval. Chunks inside the cool-down are dropped.
type Meeting struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

var _ Mode = (*Meeting)(nil)

// NewMeeting creates a meeting mode allowing one hint per interval.
func NewMeeting(interval time.Duration) *Meeting {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Meeting{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (*Meeting) Name() domain.Mode { return domain.ModeMeeting }

func (m *Meeting) ShouldTrigger(chunk domain.TextChunk, now time.Time) bool {
	if chunk.Speaker != domain.SpeakerOther || chunk.Trigger != domain.TriggerCompleted {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limiter.AllowN(now, 1)
}

func (*Meeting) BuildPrompt(chunk domain.TextChunk, pc PromptContext) []domain.Message {
	return buildMessages(renderSystem(meetingPrompt, pc, nil), "Statement", chunk, pc)
}

func (*Meeting) Policy() hint.Policy { return hint.PolicyLatestWins }

// TemplateSpec describes a mode as data.
type TemplateSpec struct {
	Name            domain.Mode
	Speakers        []domain.Speaker
	Triggers        []domain.Trigger
	RequireQuestion bool
	MinInterval     time.Duration
	// SystemPrompt may use {bullets}, {knowledge} and any key of Vars.
	SystemPrompt string
	Vars         map[string]string
	UserLabel    string
	Schedule     hint.Policy
}

// Template is a Mode built from a TemplateSpec.
type Template struct {
	spec    TemplateSpec
	mu      sync.Mutex
	limiter *rate.Limiter
}

var _ Mode = (*Template)(nil)

// NewTemplate creates a mode instance from spec.
func NewTemplate(spec TemplateSpec) *Template {
	t := &Template{spec: spec}
	if spec.UserLabel == "" {
		t.spec.UserLabel = "Statement"
	}
	if spec.MinInterval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(spec.MinInterval), 1)
	}
	return t
}

// TranslationSpec is the built-in translation mode.
func TranslationSpec(language string) TemplateSpec {
	if language == "" {
		language = "English"
	}
	return TemplateSpec{
		Name:         domain.ModeTranslation,
		Speakers:     []domain.Speaker{domain.SpeakerOther},
		Triggers:     []domain.Trigger{domain.TriggerCompleted},
		SystemPrompt: translationPrompt,
		Vars:         map[string]string{"language": language},
		UserLabel:    "Statement",
		Schedule:     hint.PolicyLatestWins,
	}
}

func (t *Template) Name() domain.Mode { return t.spec.Name }

func (t *Template) ShouldTrigger(chunk domain.TextChunk, now time.Time) bool {
	if len(t.spec.Speakers) > 0 && !slices.Contains(t.spec.Speakers, chunk.Speaker) {
		return false
	}
	if len(t.spec.Triggers) > 0 && !slices.Contains(t.spec.Triggers, chunk.Trigger) {
		return false
	}
	if t.spec.RequireQuestion && !IsQuestion(chunk.FullText()) {
		return false
	}
	if t.limiter == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter.AllowN(now, 1)
}

func (t *Template) BuildPrompt(chunk domain.TextChunk, pc PromptContext) []domain.Message {
	return buildMessages(renderSystem(t.spec.SystemPrompt, pc, t.spec.Vars), t.spec.UserLabel, chunk, pc)
}

func (t *Template) Policy() hint.Policy { return t.spec.Schedule }
