package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Direction distinguishes user input screening from model output screening
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Verdict is the outcome of one guardrail check
type Verdict struct {
	Blocked  bool   `json:"blocked"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Guardrails is the content-safety collaborator boundary. The execution
// core only decides when to call it.
type Guardrails interface {
	Check(ctx context.Context, text string, dir Direction) (Verdict, error)
}

// PolicyError separates "blocked by policy" from internal failure so the
// caller can render different UI.
type PolicyError struct {
	Category string
	Reason   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("blocked by content policy (%s): %s", e.Category, e.Reason)
}

// Code returns the wire error code for policy blocks
func (e *PolicyError) Code() string {
	return "blocked_by_policy"
}

// rule is one policy category with its trigger patterns
type rule struct {
	category string
	patterns []*regexp.Regexp
}

// RuleGuardrails is a pattern-list guardrail implementation. Production
// deployments can swap in a remote service behind the same interface.
type RuleGuardrails struct {
	inbound  []rule
	outbound []rule
}

// NewRuleGuardrails builds the default rule set
func NewRuleGuardrails() *RuleGuardrails {
	injection := rule{
		category: "prompt_injection",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
			regexp.MustCompile(`(?i)disregard\s+your\s+system\s+prompt`),
			regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(dan|developer)\s+mode`),
		},
	}
	secrets := rule{
		category: "secret_material",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
			regexp.MustCompile(`(?i)\baws_secret_access_key\b`),
			regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`),
		},
	}

	return &RuleGuardrails{
		inbound:  []rule{injection, secrets},
		outbound: []rule{secrets},
	}
}

// Check scans text against the rule set for the given direction
func (g *RuleGuardrails) Check(ctx context.Context, text string, dir Direction) (Verdict, error) {
	rules := g.inbound
	if dir == Outbound {
		rules = g.outbound
	}

	for _, r := range rules {
		for _, p := range r.patterns {
			if loc := p.FindStringIndex(text); loc != nil {
				return Verdict{
					Blocked:  true,
					Category: r.category,
					Reason:   fmt.Sprintf("matched %s pattern", r.category),
				}, nil
			}
		}
	}

	return Verdict{}, nil
}

// Token is one redacted PII value, reversible for the requesting actor
type Token struct {
	Placeholder string `json:"placeholder"`
	Value       string `json:"-"`
	Kind        string `json:"kind"`
}

// Tokenizer redacts PII into reversible placeholders
type Tokenizer interface {
	Redact(text string) (string, []Token)
	Restore(text string, tokens []Token) string
}

// piiDetector couples a kind label with its pattern
type piiDetector struct {
	kind    string
	pattern *regexp.Regexp
}

// RegexTokenizer detects common PII shapes with regular expressions
type RegexTokenizer struct {
	detectors []piiDetector
}

// NewRegexTokenizer builds the default PII detector set
func NewRegexTokenizer() *RegexTokenizer {
	return &RegexTokenizer{
		detectors: []piiDetector{
			{kind: "email", pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
			{kind: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{kind: "card", pattern: regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)},
			{kind: "phone", pattern: regexp.MustCompile(`\b\+?\d{1,2}[ \-.]?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`)},
		},
	}
}

// Redact replaces detected PII with numbered placeholders and returns
// the token list needed to reverse the substitution.
func (t *RegexTokenizer) Redact(text string) (string, []Token) {
	var tokens []Token
	n := 0

	for _, d := range t.detectors {
		text = d.pattern.ReplaceAllStringFunc(text, func(match string) string {
			n++
			token := Token{
				Placeholder: fmt.Sprintf("[[PII:%s:%d]]", d.kind, n),
				Value:       match,
				Kind:        d.kind,
			}
			tokens = append(tokens, token)
			return token.Placeholder
		})
	}

	return text, tokens
}

// Restore reverses Redact for the requesting actor only
func (t *RegexTokenizer) Restore(text string, tokens []Token) string {
	for _, token := range tokens {
		text = strings.ReplaceAll(text, token.Placeholder, token.Value)
	}
	return text
}

// Pipeline wraps every chain input and output with guardrail checks and
// PII tokenization.
type Pipeline struct {
	guard Guardrails
	tok   Tokenizer
}

// NewPipeline assembles a safety pipeline from its collaborators
func NewPipeline(guard Guardrails, tok Tokenizer) *Pipeline {
	return &Pipeline{guard: guard, tok: tok}
}

// Default returns the pipeline with the in-tree rule implementations
func Default() *Pipeline {
	return NewPipeline(NewRuleGuardrails(), NewRegexTokenizer())
}

// SanitizeInput redacts PII from user input and then applies inbound
// guardrails to the redacted text. A policy block returns *PolicyError.
func (p *Pipeline) SanitizeInput(ctx context.Context, text string) (string, []Token, error) {
	redacted, tokens := p.tok.Redact(text)

	verdict, err := p.guard.Check(ctx, redacted, Inbound)
	if err != nil {
		return "", nil, fmt.Errorf("inbound guardrail check: %w", err)
	}
	if verdict.Blocked {
		return "", nil, &PolicyError{Category: verdict.Category, Reason: verdict.Reason}
	}

	return redacted, tokens, nil
}

// ScreenOutput applies outbound guardrails to model output and restores
// the actor's PII tokens in the approved text.
func (p *Pipeline) ScreenOutput(ctx context.Context, text string, tokens []Token) (string, error) {
	verdict, err := p.guard.Check(ctx, text, Outbound)
	if err != nil {
		return "", fmt.Errorf("outbound guardrail check: %w", err)
	}
	if verdict.Blocked {
		return "", &PolicyError{Category: verdict.Category, Reason: verdict.Reason}
	}

	return p.tok.Restore(text, tokens), nil
}

// RestoreChunk reverses PII tokens inside one streamed chunk. The
// outbound guardrail check runs separately against the complete text;
// a placeholder split across two chunks passes through unrestored.
func (p *Pipeline) RestoreChunk(chunk string, tokens []Token) string {
	return p.tok.Restore(chunk, tokens)
}
