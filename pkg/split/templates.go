package split

// template is a keyword-matched plan shape the heuristic splitter stamps
// out. {task} in a description is replaced with the task title.
type template struct {
	name     string
	keywords []string
	steps    []Draft
}

// templates are checked in order; the first keyword hit wins, so matching
// is deterministic. Every step sits inside the 2-5 minute human range and
// every template opens with a begin/gather step.
var templates = []template{
	{
		name:     "email",
		keywords: []string{"email", "e-mail", "reply", "respond", "inbox"},
		steps: []Draft{
			{Description: "Open your inbox and find the thread for: {task}", ShortLabel: "Open inbox", Icon: "📧", EstimatedMinutes: 2},
			{Description: "Re-read the message and jot down what needs answering", ShortLabel: "Re-read", Icon: "🔎", EstimatedMinutes: 3},
			{Description: "Draft the reply in plain words, rough is fine", ShortLabel: "Draft reply", Icon: "✍️", EstimatedMinutes: 5},
			{Description: "Read the draft once and fix anything unclear", ShortLabel: "Polish", Icon: "🪞", EstimatedMinutes: 2},
			{Description: "Send it and archive the thread", ShortLabel: "Send", Icon: "📤", EstimatedMinutes: 2},
		},
	},
	{
		name:     "research",
		keywords: []string{"research", "investigate", "compare", "find out", "look up", "evaluate"},
		steps: []Draft{
			{Description: "Write down the exact question you want answered about: {task}", ShortLabel: "Frame question", Icon: "❓", EstimatedMinutes: 2},
			{Description: "Open three likely sources in tabs, nothing more", ShortLabel: "Open sources", Icon: "🔍", EstimatedMinutes: 3},
			{Description: "Skim the first source and note one useful point", ShortLabel: "Skim first", Icon: "📑", EstimatedMinutes: 5},
			{Description: "Skim the remaining sources the same way", ShortLabel: "Skim rest", Icon: "📚", EstimatedMinutes: 5},
			{Description: "Summarize what you found in three sentences", ShortLabel: "Summarize", Icon: "📝", EstimatedMinutes: 4},
		},
	},
	{
		name:     "write",
		keywords: []string{"write", "draft", "blog", "post", "document", "essay", "report"},
		steps: []Draft{
			{Description: "Open a blank document and type the working title: {task}", ShortLabel: "Open doc", Icon: "📄", EstimatedMinutes: 2},
			{Description: "List the points you want to make as bullets", ShortLabel: "Bullet points", Icon: "•", EstimatedMinutes: 4},
			{Description: "Turn the first bullet into rough sentences", ShortLabel: "First bullet", Icon: "✍️", EstimatedMinutes: 5},
			{Description: "Keep expanding bullets, ugly first drafts allowed", ShortLabel: "Expand", Icon: "🧱", EstimatedMinutes: 5},
			{Description: "Read it top to bottom and fix the worst sentence", ShortLabel: "One pass", Icon: "🪞", EstimatedMinutes: 4},
		},
	},
	{
		name:     "plan",
		keywords: []string{"plan", "organize", "organise", "prepare", "schedule", "arrange"},
		steps: []Draft{
			{Description: "Grab something to write on and put the goal at the top: {task}", ShortLabel: "Set goal", Icon: "🎯", EstimatedMinutes: 2},
			{Description: "Brain-dump everything that has to happen, no order", ShortLabel: "Brain dump", Icon: "🧠", EstimatedMinutes: 5},
			{Description: "Circle the three things that matter most", ShortLabel: "Pick three", Icon: "⭕", EstimatedMinutes: 2},
			{Description: "Put a date or owner next to each of the three", ShortLabel: "Assign", Icon: "📅", EstimatedMinutes: 3},
		},
	},
	{
		name:     "meeting",
		keywords: []string{"meeting", "call", "sync", "1:1", "standup", "interview"},
		steps: []Draft{
			{Description: "Open your calendar and find a slot for: {task}", ShortLabel: "Find slot", Icon: "📅", EstimatedMinutes: 2},
			{Description: "Write a one-line agenda so nobody has to guess", ShortLabel: "Agenda", Icon: "📋", EstimatedMinutes: 3},
			{Description: "Send the invite with the agenda in the body", ShortLabel: "Invite", Icon: "📨", EstimatedMinutes: 2},
			{Description: "Note the one outcome that would make it worth holding", ShortLabel: "Outcome", Icon: "🎯", EstimatedMinutes: 2},
		},
	},
}

// defaultTemplate catches tasks no keyword matched. Deliberately generic:
// begin, do a first slice, take stock.
var defaultTemplate = template{
	name: "default",
	steps: []Draft{
		{Description: "Clear your desk and lay out what you need for: {task}", ShortLabel: "Get ready", Icon: "🧹", EstimatedMinutes: 2},
		{Description: "Do the first small piece, momentum over perfection", ShortLabel: "First piece", Icon: "🚀", EstimatedMinutes: 5},
		{Description: "Keep going with the next obvious piece", ShortLabel: "Next piece", Icon: "⏭️", EstimatedMinutes: 5},
		{Description: "Stop and note what is left so future-you can resume", ShortLabel: "Note rest", Icon: "📝", EstimatedMinutes: 3},
	},
}
