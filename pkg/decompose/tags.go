package decompose

import (
	"strings"
)

// maxTags caps the tags attached to a single step or task.
const maxTags = 3

type tagRule struct {
	tag      string
	keywords []string
}

// tagRules is evaluated in order, so the same text always yields the same
// tags in the same sequence.
var tagRules = []tagRule{
	{tag: "📧 email", keywords: []string{"email", "e-mail", "inbox", "reply", "mail"}},
	{tag: "📅 calendar", keywords: []string{"meeting", "schedule", "calendar", "appointment", "invite", "sync"}},
	{tag: "🔍 research", keywords: []string{"research", "search", "investigate", "compare", "sources"}},
	{tag: "✍️ writing", keywords: []string{"write", "draft", "blog", "post", "document", "essay", "report", "notes"}},
	{tag: "📂 files", keywords: []string{"file", "files", "folder", "organize", "organise", "downloads", "desktop"}},
	{tag: "💬 communication", keywords: []string{"call", "message", "respond", "contact", "ask", "tell"}},
	{tag: "🛒 errand", keywords: []string{"buy", "shop", "order", "groceries", "pick up", "return"}},
	{tag: "🏠 home", keywords: []string{"clean", "tidy", "laundry", "kitchen", "garage", "garden"}},
	{tag: "💪 health", keywords: []string{"doctor", "dentist", "workout", "run", "gym", "exercise"}},
	{tag: "💼 work", keywords: []string{"client", "quarterly", "budget", "deadline", "review", "presentation"}},
}

// TagsFor derives deterministic tags from free text: first rule match wins
// an ordering slot, at most maxTags tags.
func TagsFor(text string) []string {
	lowered := strings.ToLower(text)
	var tags []string
	for _, rule := range tagRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				tags = append(tags, rule.tag)
				break
			}
		}
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// enrichTags merges derived tags into existing ones without duplicates,
// keeping the existing order first.
func enrichTags(existing []string, text string) []string {
	tags := make([]string, 0, maxTags)
	seen := make(map[string]bool, maxTags)
	for _, t := range existing {
		if t != "" && !seen[t] {
			tags = append(tags, t)
			seen[t] = true
		}
	}
	for _, t := range TagsFor(text) {
		if len(tags) == maxTags {
			break
		}
		if !seen[t] {
			tags = append(tags, t)
			seen[t] = true
		}
	}
	return tags
}
