package roles

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/Kocoro-lab/Shannon/go/researcher/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/researcher/internal/state"
)

// Section markers shared by every prompt
const (
	markerUserQuery = "[USER QUERY]"
	markerNow       = "[CURRENT DATE AND TIME]"
	markerURL       = "[URL]"
	markerSnippet   = "[PAGE SNIPPET]"
	markerSummaries = "[SUMMARIES]"
	markerIteration = "[SEARCH ITERATION]"
	markerMaxIter   = "[MAX SEARCH ITERATIONS]"
	markerGaps      = "[PREVIOUS REVIEW]"
)

const plannerPrompt = `You plan web research. Read the user's request and produce a short list of distinct search queries that together cover it.

<STRATEGY>
1. Split the request into its separate facts or themes and give each its own query.
2. Aim the queries at different kinds of sources: official pages, news, reference works, forums.
3. Prefer precise, domain-specific keywords over full sentences.
4. When a previous review lists missing information, target those gaps first.
5. When ` + markerSummaries + ` are given, do not repeat searches for facts they already cover.
</STRATEGY>

Return between 3 and 5 queries as JSON:
{
  "search_queries": [
    {"query": "ESA ClearSpace-1 debris removal mission status 2025", "reason": "Latest mission milestones."},
    {"query": "space debris removal international law liability", "reason": "Legal constraints on removal missions."},
    {"query": "net capture vs robotic arm debris removal comparison", "reason": "Compare capture technologies."}
  ]
}`

const summarizerPrompt = `You extract facts. Read the page snippet and keep only what helps answer the user's request.

<RULES>
1. Use only the snippet. Never add outside knowledge.
2. Keep names, numbers, dates and concrete claims; drop general filler.
3. Ignore menus, ads, cookie banners and unrelated sidebars.
4. If the snippet corrects or updates earlier information, say so explicitly.
5. If nothing in the snippet is relevant, return an empty summary.
</RULES>

Return JSON:
{"summary": "Version 4.0 shipped in January 2026; version 3.5 is deprecated after a security audit."}`

const reviewerPrompt = `You audit research. Compare the collected summaries with the user's request and decide whether they are enough to write a complete answer.

<CRITERIA>
- Coverage: every part of the request is addressed.
- Consistency: sources do not contradict each other, or the contradiction is explained.
- Specificity: the facts are precise enough for a detailed report.
</CRITERIA>

<LOGIC>
- If the research is sufficient, set "is_search_complete" to true and say why.
- Otherwise set it to false and name exactly which information is missing, so the next round of searches can target it.
- If ` + markerIteration + ` has reached ` + markerMaxIter + `, you must set "is_search_complete" to true and justify it from the best information available, even if gaps remain.
</LOGIC>

Return JSON:
{"is_search_complete": true, "justification": "Both the CEO (Jane Doe) and the opening price ($150) were found."}`

const writerPrompt = `You write research reports. Turn the collected summaries into a structured answer to the user's request.

<REQUIREMENTS>
1. Use Markdown headings and bullet lists, and close with a short conclusion.
2. Stay neutral; when sources disagree, present each position.
3. Cite only the "url" attached to each summary. Put the source URL in brackets after every factual claim, e.g. [https://example.com].
4. Answer every part of the request directly.
</REQUIREMENTS>

The ` + markerSummaries + ` are a JSON list of {"url": "...", "summary": "..."} objects. Attribute each fact to the url of the summary it came from.

Return JSON:
{"report": "### Findings\nProject Alpha reached 90% efficiency [https://alpha-reports.org].\n\n### Conclusion\nAlpha leads the field."}`

func section(marker, value string) llm.Message {
	return llm.System(marker + ": " + value)
}

func summariesJSON(summaries []state.Summary) string {
	if summaries == nil {
		summaries = []state.Summary{}
	}
	b, err := json.Marshal(summaries)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func plannerMessages(s *state.ResearchState, now time.Time) []llm.Message {
	msgs := []llm.Message{
		llm.System(plannerPrompt),
		section(markerUserQuery, s.UserQuery),
		section(markerNow, formatNow(now)),
	}
	if len(s.Summaries) > 0 {
		msgs = append(msgs, section(markerSummaries, summariesJSON(s.Summaries)))
	}
	if s.Review.Status == state.VerdictIncomplete && s.Review.Justification != "" {
		msgs = append(msgs, section(markerGaps, s.Review.Justification))
	}
	return msgs
}

func summarizerMessages(userQuery, url, snippet string, now time.Time) []llm.Message {
	return []llm.Message{
		llm.System(summarizerPrompt),
		section(markerNow, formatNow(now)),
		section(markerUserQuery, userQuery),
		section(markerURL, url),
		section(markerSnippet, snippet),
	}
}

func reviewerMessages(s *state.ResearchState, maxIterations int, now time.Time) []llm.Message {
	return []llm.Message{
		llm.System(reviewerPrompt),
		section(markerNow, formatNow(now)),
		section(markerUserQuery, s.UserQuery),
		section(markerIteration, strconv.Itoa(s.Iteration)),
		section(markerMaxIter, strconv.Itoa(maxIterations)),
		section(markerSummaries, summariesJSON(s.Summaries)),
	}
}

func writerMessages(s *state.ResearchState, now time.Time) []llm.Message {
	return []llm.Message{
		llm.System(writerPrompt),
		section(markerNow, formatNow(now)),
		section(markerUserQuery, s.UserQuery),
		section(markerSummaries, summariesJSON(s.Summaries)),
	}
}

// JSON schemas passed as the structured output format
var (
	planSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "search_queries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {"query": {"type": "string"}, "reason": {"type": "string"}},
        "required": ["query", "reason"]
      }
    }
  },
  "required": ["search_queries"]
}`)
	summarySchema = json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}},"required":["summary"]}`)
	reviewSchema  = json.RawMessage(`{"type":"object","properties":{"is_search_complete":{"type":"boolean"},"justification":{"type":"string"}},"required":["is_search_complete","justification"]}`)
	writeSchema   = json.RawMessage(`{"type":"object","properties":{"report":{"type":"string"}},"required":["report"]}`)
)
