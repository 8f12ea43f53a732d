package router

import (
	"fmt"
	"strings"
	"unicode"
)

// Rule maps a spoken phrase onto an action token. An argument rule matches
// the phrase followed by at least one more word, which becomes the action
// parameter.
type Rule struct {
	Phrase   string `yaml:"phrase" json:"phrase"`
	Action   Token  `yaml:"action" json:"action"`
	Argument bool   `yaml:"argument,omitempty" json:"argument,omitempty"`
}

// Grammar is an immutable ordered rule set. Matching picks the rule with the
// longest phrase; among equally long phrases the earliest rule wins.
type Grammar struct {
	rules []Rule
}

var builtinRules = []Rule{
	{Phrase: "new session", Action: TokenNewSession},
	{Phrase: "new terminal", Action: TokenNewSession},
	{Phrase: "open terminal", Action: TokenNewSession},
	{Phrase: "new session", Action: TokenNewSession, Argument: true},
	{Phrase: "new terminal", Action: TokenNewSession, Argument: true},
	{Phrase: "close session", Action: TokenCloseSession},
	{Phrase: "close terminal", Action: TokenCloseSession},
	{Phrase: "next session", Action: TokenNextSession},
	{Phrase: "next terminal", Action: TokenNextSession},
	{Phrase: "previous session", Action: TokenPreviousSession},
	{Phrase: "previous terminal", Action: TokenPreviousSession},
	{Phrase: "split terminal", Action: TokenSplitSession},
	{Phrase: "split screen", Action: TokenSplitSession},
	{Phrase: "split session", Action: TokenSplitSession},
	{Phrase: "scroll up", Action: TokenScrollUp},
	{Phrase: "scroll down", Action: TokenScrollDown},
	{Phrase: "scroll to top", Action: TokenScrollTop},
	{Phrase: "go to top", Action: TokenScrollTop},
	{Phrase: "scroll to bottom", Action: TokenScrollBottom},
	{Phrase: "go to bottom", Action: TokenScrollBottom},
	{Phrase: "focus terminal", Action: TokenFocus},
	{Phrase: "voice input", Action: TokenVoiceInput},
	{Phrase: "clear terminal", Action: TokenClear},
	{Phrase: "clear screen", Action: TokenClear},
	{Phrase: "clear", Action: TokenClear},
	{Phrase: "run", Action: TokenExecute, Argument: true},
	{Phrase: "execute", Action: TokenExecute, Argument: true},
	{Phrase: "copy all", Action: TokenCopyAll},
	{Phrase: "copy everything", Action: TokenCopyAll},
	{Phrase: "copy selection", Action: TokenCopySelection},
	{Phrase: "copy that", Action: TokenCopySelection},
	{Phrase: "search for", Action: TokenSearch, Argument: true},
	{Phrase: "find", Action: TokenSearch, Argument: true},
	{Phrase: "next match", Action: TokenSearchNext},
	{Phrase: "search next", Action: TokenSearchNext},
	{Phrase: "find next", Action: TokenSearchNext},
	{Phrase: "previous match", Action: TokenSearchPrevious},
	{Phrase: "search previous", Action: TokenSearchPrevious},
	{Phrase: "find previous", Action: TokenSearchPrevious},
}

// DefaultGrammar returns the built-in phrase set.
func DefaultGrammar() *Grammar {
	g, err := NewGrammar(builtinRules...)
	if err != nil {
		panic(err)
	}
	return g
}

// NewGrammar validates and normalises rules, keeping their order.
func NewGrammar(rules ...Rule) (*Grammar, error) {
	g := &Grammar{rules: make([]Rule, 0, len(rules))}
	for i, r := range rules {
		phrase := Normalize(r.Phrase)
		if phrase == "" {
			return nil, fmt.Errorf("rule %d: empty phrase", i)
		}
		if _, err := ParseAction(r.Action, ""); err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, r.Phrase, err)
		}
		if r.Argument && !takesParameter(r.Action) {
			return nil, fmt.Errorf("rule %d (%q): %s takes no argument", i, r.Phrase, r.Action)
		}
		if !r.Argument && requiresParameter(r.Action) {
			return nil, fmt.Errorf("rule %d (%q): %s needs an argument", i, r.Phrase, r.Action)
		}
		g.rules = append(g.rules, Rule{Phrase: phrase, Action: r.Action, Argument: r.Argument})
	}
	return g, nil
}

// With returns a new grammar with extra rules appended after the existing
// ones, so existing rules keep winning ties.
func (g *Grammar) With(extra ...Rule) (*Grammar, error) {
	all := make([]Rule, 0, len(g.rules)+len(extra))
	all = append(all, g.rules...)
	all = append(all, extra...)
	return NewGrammar(all...)
}

// Rules returns a copy of the normalised rules in registration order.
func (g *Grammar) Rules() []Rule {
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// word is a transcript word with its normalised form and its index in the
// raw field list.
type word struct {
	norm string
	idx  int
}

// Match resolves a transcript to an action. Argument text is taken from the
// raw transcript so commands keep their case and punctuation.
func (g *Grammar) Match(transcript string) (Action, bool) {
	fields := strings.Fields(transcript)
	words := make([]word, 0, len(fields))
	for i, f := range fields {
		if n := normalizeWord(f); n != "" {
			words = append(words, word{norm: n, idx: i})
		}
	}
	if len(words) == 0 {
		return nil, false
	}

	best := -1
	bestLen := 0
	bestArg := ""
	for i, r := range g.rules {
		phrase := strings.Fields(r.Phrase)
		k := len(phrase)
		if k > len(words) || (!r.Argument && k != len(words)) || (r.Argument && k == len(words)) {
			continue
		}
		if !prefixMatches(words, phrase) {
			continue
		}
		if len(r.Phrase) <= bestLen {
			continue
		}

		arg := ""
		if r.Argument {
			arg = strings.TrimRight(strings.Join(fields[words[k].idx:], " "), ".,!?")
			if strings.TrimSpace(arg) == "" {
				continue
			}
		}
		best, bestLen, bestArg = i, len(r.Phrase), arg
	}
	if best < 0 {
		return nil, false
	}

	a, err := ParseAction(g.rules[best].Action, bestArg)
	if err != nil {
		return nil, false
	}
	return a, true
}

func prefixMatches(words []word, phrase []string) bool {
	for i, p := range phrase {
		if words[i].norm != p {
			return false
		}
	}
	return true
}

// Normalize lowercases s, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if n := normalizeWord(f); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, " ")
}

func normalizeWord(w string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(w) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
