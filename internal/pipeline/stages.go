package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/tbourn/go-letter-batch/internal/llm"
)

// Stage names.
const (
	StageStructure = "structure"
	StageEnhance   = "enhance"
)

// StageInput is everything a stage sees.
type StageInput struct {
	UserID  string
	Context GenerationContext
	// Draft is the output of the previous stage (empty for the first).
	Draft string
}

// Stage is one fallible call in the pipeline.
type Stage interface {
	Name() string
	Model() string
	Run(ctx context.Context, in StageInput) (string, error)
}

// PromptFunc renders the chat messages for a stage.
type PromptFunc func(in StageInput) []llm.Message

// LLMStage runs a prompt against an llm.Client.
type LLMStage struct {
	StageName   string
	ModelName   string
	Client      llm.Client
	Prompt      PromptFunc
	MaxTokens   int
	Temperature float64
}

func (s *LLMStage) Name() string  { return s.StageName }
func (s *LLMStage) Model() string { return s.ModelName }

// Run sends one completion request.
func (s *LLMStage) Run(ctx context.Context, in StageInput) (string, error) {
	resp, err := s.Client.Complete(ctx, &llm.CompletionRequest{
		Model:       s.ModelName,
		Messages:    s.Prompt(in),
		MaxTokens:   s.MaxTokens,
		Temperature: s.Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// NewStructureStage builds the outline stage.
func NewStructureStage(client llm.Client, model string) *LLMStage {
	return &LLMStage{
		StageName:   StageStructure,
		ModelName:   model,
		Client:      client,
		Prompt:      structurePrompt,
		MaxTokens:   1500,
		Temperature: 0.7,
	}
}

// NewEnhanceStage builds the stage that turns an outline into the final
// letter.
func NewEnhanceStage(client llm.Client, model string) *LLMStage {
	return &LLMStage{
		StageName:   StageEnhance,
		ModelName:   model,
		Client:      client,
		Prompt:      enhancePrompt,
		MaxTokens:   2000,
		Temperature: 0.8,
	}
}

func structurePrompt(in StageInput) []llm.Message {
	gc := in.Context
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n", gc.Theme)
	fmt.Fprintf(&b, "Season: %s, time of day: %s\n", gc.Season, gc.TimeOfDay)
	fmt.Fprintf(&b, "Letters written so far: %d\n", gc.TotalLetters)
	// the outline only needs the two most recent letters
	for i, p := range gc.Previous {
		if i == 2 {
			break
		}
		fmt.Fprintf(&b, "Earlier letter (%s) on %q: %s\n", p.Date, p.Theme, p.Preview)
	}
	b.WriteString("\nProduce a short outline for a personal letter on this theme: opening, two or three body points, closing.")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You plan the structure of warm, personal letters. Reply with the outline only."},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func enhancePrompt(in StageInput) []llm.Message {
	gc := in.Context
	var b strings.Builder
	fmt.Fprintf(&b, "Theme: %s\n", gc.Theme)
	fmt.Fprintf(&b, "Season: %s, time of day: %s\n\n", gc.Season, gc.TimeOfDay)
	b.WriteString("Outline:\n")
	b.WriteString(in.Draft)
	b.WriteString("\n\nWrite the complete letter from this outline. Keep the tone natural and sincere.")

	return []llm.Message{
		{Role: llm.RoleSystem, Content: "You write finished personal letters from an outline. Reply with the letter text only."},
		{Role: llm.RoleUser, Content: b.String()},
	}
}
