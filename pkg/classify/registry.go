package classify

// ArgSpec describes one argument a handler needs and, for required
// arguments, the question asked when it cannot be extracted.
type ArgSpec struct {
	Name     string
	Question string
	Extract  ExtractFunc
}

// Integration is one automatable capability: lexical match rules plus the
// argument specs its handler needs. HandlerKey links the classification to
// the runtime handler registry.
type Integration struct {
	HandlerKey string
	// Verbs match the step's leading word; Objects match anywhere in the
	// description. An empty Objects list means the verb alone suffices.
	Verbs   []string
	Objects []string
	// Required arguments gate the DIGITAL classification; Optional ones
	// enrich the plan when present.
	Required []ArgSpec
	Optional []ArgSpec
	// ConfirmationRequired marks handlers with outward effects.
	ConfirmationRequired bool
}

// Registry holds the known integrations in a fixed match order. It is
// immutable after construction.
type Registry struct {
	integrations []Integration
	byKey        map[string]*Integration
}

// NewRegistry builds the built-in integration set.
func NewRegistry() *Registry {
	r := &Registry{integrations: builtinIntegrations()}
	r.byKey = make(map[string]*Integration, len(r.integrations))
	for i := range r.integrations {
		r.byKey[r.integrations[i].HandlerKey] = &r.integrations[i]
	}
	return r
}

// Integrations returns the registry in match order.
func (r *Registry) Integrations() []Integration {
	return r.integrations
}

// Lookup finds an integration by handler key.
func (r *Registry) Lookup(handlerKey string) (*Integration, bool) {
	integ, ok := r.byKey[handlerKey]
	return integ, ok
}

func builtinIntegrations() []Integration {
	return []Integration{
		{
			HandlerKey: "email.send",
			Verbs:      []string{"send", "email", "mail"},
			Objects:    []string{"email", "mail", "message", "note", "update"},
			Required: []ArgSpec{
				{
					Name:     "recipient",
					Question: "Who should receive this email?",
					Extract:  emailRecipient(),
				},
			},
			Optional: []ArgSpec{
				{Name: "subject", Extract: quotedText()},
			},
			ConfirmationRequired: true,
		},
		{
			HandlerKey: "email.reply",
			Verbs:      []string{"reply", "respond", "answer"},
			Objects:    []string{"email", "mail", "message", "thread"},
			Required: []ArgSpec{
				{
					Name:     "thread",
					Question: "Which email thread is this replying to?",
					Extract:  afterPreposition("from"),
				},
			},
			ConfirmationRequired: true,
		},
		{
			HandlerKey: "calendar.schedule",
			Verbs:      []string{"schedule", "book", "arrange"},
			Objects:    []string{"meeting", "call", "appointment", "sync", "interview", "1:1", "slot"},
			Required: []ArgSpec{
				{
					Name:     "attendees",
					Question: "Who should be invited?",
					Extract:  afterPreposition("with"),
				},
			},
			Optional: []ArgSpec{
				{Name: "time", Extract: timeOfDay()},
			},
			ConfirmationRequired: true,
		},
		{
			HandlerKey: "web.search",
			Verbs:      []string{"search", "google", "research"},
			Required: []ArgSpec{
				{
					Name:     "query",
					Question: "What exactly should be searched for?",
					Extract:  searchQuery(),
				},
			},
		},
		{
			HandlerKey: "file.organize",
			Verbs:      []string{"organize", "organise", "sort", "tidy", "rename", "archive"},
			Objects:    []string{"file", "files", "folder", "folders", "photos", "documents", "downloads", "desktop"},
			Required: []ArgSpec{
				{
					Name:     "target",
					Question: "Which files or folder should be organized?",
					Extract:  keywordTarget("file", "files", "folder", "folders", "photos", "documents", "downloads", "desktop"),
				},
			},
		},
	}
}
