package subagent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cocode/cocode/pkg/models"
)

// Router selects which registered Definition should handle a message, by
// evaluating each candidate's Triggers in priority order: explicit keyword
// or pattern matches first, tool-use triggers next, then fallback.
type Router struct {
	defs             map[string]*Definition
	compiledPatterns map[string]*regexp.Regexp
}

// NewRouter builds a Router over the given definitions, keyed by ID.
func NewRouter(defs []*Definition) *Router {
	r := &Router{
		defs:             make(map[string]*Definition, len(defs)),
		compiledPatterns: make(map[string]*regexp.Regexp),
	}
	for _, d := range defs {
		r.defs[d.ID] = d
	}
	return r
}

// Match is a single routing candidate with its confidence score.
type Match struct {
	Definition *Definition
	Confidence float64
	Trigger    TriggerType
}

// Route returns the candidates whose triggers matched msg, sorted by
// descending confidence. An empty result means no definition claims the
// message and the caller should keep the current agent (or the baseline
// Task-tool spawn path) instead.
func (r *Router) Route(msg *models.Message) []Match {
	var matches []Match
	var fallbacks []Match

	for _, def := range r.defs {
		if !def.CanReceiveHandoffs {
			continue
		}
		best := 0.0
		var bestType TriggerType
		for _, trig := range def.Triggers {
			if trig.Type == TriggerFallback {
				fallbacks = append(fallbacks, Match{Definition: def, Confidence: 0.1, Trigger: TriggerFallback})
				continue
			}
			conf := r.evaluate(msg, trig)
			if conf > best {
				best, bestType = conf, trig.Type
			}
		}
		if best > 0 {
			matches = append(matches, Match{Definition: def, Confidence: best, Trigger: bestType})
		}
	}

	if len(matches) == 0 {
		matches = fallbacks
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	return matches
}

// FindByName looks up a definition by ID or display name, case-insensitively
// — used by the handoff tool to resolve its to_agent argument.
func (r *Router) FindByName(name string) (*Definition, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, d := range r.defs {
		if strings.ToLower(d.ID) == name || strings.ToLower(d.Name) == name {
			return d, true
		}
	}
	return nil, false
}

// Definitions returns every registered definition, sorted by ID.
func (r *Router) Definitions() []*Definition {
	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Router) evaluate(msg *models.Message, trig Trigger) float64 {
	switch trig.Type {
	case TriggerKeyword:
		return evaluateKeyword(msg.Text(), trig)
	case TriggerPattern:
		return r.evaluatePattern(msg.Text(), trig)
	case TriggerToolUse:
		return evaluateToolUse(msg, trig)
	case TriggerAlways:
		return 1.0
	default:
		return 0
	}
}

func evaluateKeyword(content string, trig Trigger) float64 {
	content = strings.ToLower(content)
	keywords := trig.Values
	if trig.Value != "" {
		keywords = append(keywords, trig.Value)
	}
	if len(keywords) == 0 {
		return 0
	}

	matched := 0
	for _, kw := range keywords {
		if strings.Contains(content, strings.ToLower(kw)) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(keywords))
}

func (r *Router) evaluatePattern(content string, trig Trigger) float64 {
	if trig.Value == "" {
		return 0
	}
	re, ok := r.compiledPatterns[trig.Value]
	if !ok {
		compiled, err := regexp.Compile("(?i)" + trig.Value)
		if err != nil {
			return 0
		}
		re = compiled
		r.compiledPatterns[trig.Value] = re
	}
	if re.MatchString(content) {
		return 1.0
	}
	return 0
}

func evaluateToolUse(msg *models.Message, trig Trigger) float64 {
	uses := msg.ToolUses()
	if len(uses) == 0 {
		return 0
	}
	names := trig.Values
	if trig.Value != "" {
		names = append(names, trig.Value)
	}
	for _, use := range uses {
		for _, name := range names {
			if use.ToolName == name {
				return 1.0
			}
		}
	}
	return 0
}
