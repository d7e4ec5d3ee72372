package classify

import (
	"regexp"
	"strings"
)

// ExtractFunc pulls an argument value out of a step description. ok is
// false when the description carries no usable value.
type ExtractFunc func(description string) (value string, ok bool)

var (
	emailPattern  = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	quotedPattern = regexp.MustCompile(`"([^"]+)"|“([^”]+)”`)
	timePattern   = regexp.MustCompile(`(?i)\b\d{1,2}(?::\d{2})?\s*(?:am|pm)\b|\b(?:tomorrow|today|tonight|noon|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
)

// valueStop ends a captured phrase: what follows belongs to the next
// clause, not the argument.
var valueStop = map[string]bool{
	"about": true, "regarding": true, "asking": true, "on": true,
	"at": true, "by": true, "before": true, "after": true, "for": true,
	"so": true, "and": true, "then": true, "when": true, "into": true,
	"once": true, "re": true, "to": true, "with": true, "from": true,
	"via": true,
}

var articles = map[string]bool{
	"the": true, "a": true, "an": true, "my": true, "our": true, "your": true,
}

const punctCutset = `,.;:!?()"'`

func trimPunct(tok string) string {
	return strings.Trim(tok, punctCutset)
}

func tokenize(desc string) []string {
	raw := strings.Fields(strings.ToLower(desc))
	tokens := make([]string, 0, len(raw))
	for _, t := range raw {
		if t = trimPunct(t); t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// afterPreposition captures up to three words following any of preps,
// skipping a leading article and stopping at punctuation or a stop word.
func afterPreposition(preps ...string) ExtractFunc {
	prepSet := make(map[string]bool, len(preps))
	for _, p := range preps {
		prepSet[p] = true
	}
	return func(desc string) (string, bool) {
		tokens := strings.Fields(desc)
		for i, tok := range tokens {
			if !prepSet[strings.ToLower(trimPunct(tok))] {
				continue
			}
			var parts []string
			for j := i + 1; j < len(tokens) && len(parts) < 3; j++ {
				word := trimPunct(tokens[j])
				if word == "" {
					break
				}
				lower := strings.ToLower(word)
				if len(parts) == 0 && articles[lower] {
					continue
				}
				if valueStop[lower] {
					break
				}
				parts = append(parts, word)
				if strings.ContainsAny(tokens[j], punctCutset) {
					break
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, " "), true
			}
		}
		return "", false
	}
}

// emailRecipient prefers a literal address, then a "to <name>" phrase.
func emailRecipient() ExtractFunc {
	byPrep := afterPreposition("to")
	return func(desc string) (string, bool) {
		if m := emailPattern.FindString(desc); m != "" {
			return m, true
		}
		return byPrep(desc)
	}
}

// quotedText captures the first double-quoted phrase.
func quotedText() ExtractFunc {
	return func(desc string) (string, bool) {
		m := quotedPattern.FindStringSubmatch(desc)
		if m == nil {
			return "", false
		}
		if m[1] != "" {
			return m[1], true
		}
		return m[2], true
	}
}

// timeOfDay captures a clock time or a day word.
func timeOfDay() ExtractFunc {
	return func(desc string) (string, bool) {
		if m := timePattern.FindString(desc); m != "" {
			return m, true
		}
		return "", false
	}
}

// searchQuery takes everything after the leading verb, minus a leading
// "for"/"up" and articles, capped at eight words.
func searchQuery() ExtractFunc {
	return func(desc string) (string, bool) {
		tokens := strings.Fields(desc)
		if len(tokens) < 2 {
			return "", false
		}
		var parts []string
		for _, tok := range tokens[1:] {
			word := trimPunct(tok)
			if word == "" {
				continue
			}
			lower := strings.ToLower(word)
			if len(parts) == 0 && (lower == "for" || lower == "up" || articles[lower]) {
				continue
			}
			parts = append(parts, word)
			if len(parts) == 8 {
				break
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	}
}

// keywordTarget returns the first of keywords present in the description.
func keywordTarget(keywords ...string) ExtractFunc {
	return func(desc string) (string, bool) {
		for _, tok := range tokenize(desc) {
			for _, kw := range keywords {
				if tok == kw {
					return kw, true
				}
			}
		}
		return "", false
	}
}
