package prompt

import (
	"fmt"
	"strings"

	"github.com/psi-gfa/opsagent/core/tools"
)

// ToolsListPlaceholder in a system prompt template is replaced with the
// discovered tool list at session start.
const ToolsListPlaceholder = "{mcp_tools_list}"

// DefaultSystemPrompt is the session-level system prompt template.
const DefaultSystemPrompt = `You are the PSI assistant at the Paul Scherrer Institute. You help operators and scientists with questions about the accelerator facilities (SwissFEL, SLS, HIPA, PROSCAN), their operational logs, and technical documentation.

You have access to the following tools:
{mcp_tools_list}

Answer concisely and technically, cite sources, and say so when you do not know.`

// RenderSystemPrompt substitutes the tool list placeholder with one
// line per tool (descriptions capped at 150 chars).
func RenderSystemPrompt(template string, descriptors []tools.Descriptor) string {
	if !strings.Contains(template, ToolsListPlaceholder) {
		return template
	}

	var lines []string
	for _, desc := range sortedByName(descriptors) {
		lines = append(lines, fmt.Sprintf("- %s: %s", desc.Name, truncate(desc.Description, systemDescTruncate)))
	}
	list := strings.Join(lines, "\n")
	if list == "" {
		list = "(no tools available)"
	}

	return strings.ReplaceAll(template, ToolsListPlaceholder, list)
}

// DecideTools builds the prompt that decides whether the turn needs
// tools at all. Biased toward using tools for new questions and against
// re-fetching what the history already holds.
func DecideTools(systemContext, query, toolsText, historyContext, filesContext string) string {
	return fmt.Sprintf(`%s

**Task:** Decide if you should use tools to answer this question.

%s%s
**Current User Question:** %s

**Available Tools:**
%s

**Decision Rules (IMPORTANT: Check conversation history first):**

**FIRST: Check if the answer is already in the conversation history:**
- If the user is asking a **follow-up question** about information that was ALREADY retrieved in previous messages, DO NOT use tools again
- Look for references to specific IDs mentioned in conversation history (e.g., "SARUN12", "ELOG #12345", article IDs)
- If the user asks "give me the complete entry for X" and X was already retrieved, use the history context
- If the user asks "tell me more about X" where X is in conversation history, use the existing context

**SECOND: When to use tools (default for new queries):**
- **DEFAULT: Use tools** for NEW questions that require current, external, or additional information not in conversation history
- Use tools if the question asks about real-time data (weather, news, prices, events, etc.)
- Use tools for PSI-specific information (accelerators, operations, logs) that hasn't been retrieved yet
- Use tools if the conversation history doesn't contain sufficient detail to answer

**When NOT to use tools:**
- Pure greetings: "hello", "hi", "thanks"
- Follow-up questions about information already in conversation history
- **Questions about uploaded files or images** - answer directly using the file content provided above
- Conversation meta-questions: "what did I just ask?", "summarize our conversation"

Reply with JSON only:
{
  "needs_tools": true/false,
  "reasoning": "brief explanation"
}
`, systemContext, historyContext, filesContext, query, toolsText)
}

// SelectTools builds the prompt that picks concrete tool invocations.
func SelectTools(systemContext, query, toolsText, historyContext, refinementContext string) string {
	return fmt.Sprintf(`%s

**Task:** Select which tools to call to answer the user's question.

%s
**Current User Question:** %s

**Available Tools:**
%s

%s

**Context Extraction from Conversation History:**
- If the user asks about a specific entry, ID, or reference mentioned in the conversation history above, extract that information
- Look for ELOG IDs (e.g., "#39109", "SARUN12"), article IDs, or other identifiers
- Use the appropriate tool with the extracted ID to fetch complete information
- Example: "show me the full entry" -> look in history for the entry ID, then use get_elog_thread or search_elog with that ID

**General Strategy:**
- Start with minimal arguments - only use REQUIRED parameters and those essential for the query
- Optional parameters should only be added if specifically mentioned in the user's question
- If initial results are too generic, refine with additional filters in a follow-up tool call
- Use the elog tool for any questions about incidents, events, or operational history.
- Use the accwiki tool for questions about accelerator facilities.
- Use multiple tools in sequence when it makes sense to narrow down or cross-reference results
- Be specific with parameter values (use exact enum options shown above)

**Date Handling:**
- Use the current date from the system context above to calculate relative dates
- "today" = current date
- "yesterday" = subtract 1 day from current date
- "last week" = subtract 7 days from current date for the since parameter
- "last month" = subtract 30 days from current date
- Always use ISO format YYYY-MM-DD for date parameters

**Tool-Specific Guidelines:**

**search_accelerator_knowledge (AccWiki):**
- Extract facility from query: "hipa", "proscan", "sls", or "swissfel"
- Use "all" only if query explicitly asks about multiple facilities
- Retriever: Default to "dense" unless query needs exact term matching

**search_elog (ELOG):**
- Used for operational logs, incidents, and recent events
- Extract filters from query: category, system, domain, date range
- Date filters: Only use since/until if a time range is mentioned
- For summaries over a time period, raise max_results (50-100) to cover the whole period; for specific searches keep the default

**get_elog_thread (ELOG):**
- Used to fetch a COMPLETE ELOG entry with all details and conversation thread
- REQUIRED parameter: message_id (integer) - the ELOG entry number
- Use this when the user asks for "full entry", "complete details", or references a specific ELOG ID

Reply with JSON only:
{
  "tools": [
    {
      "tool_name": "exact_tool_name",
      "arguments": {"param": "value"},
      "reasoning": "why this tool"
    }
  ]
}
`, systemContext, historyContext, query, toolsText, refinementContext)
}

// EvaluateResults builds the prompt that judges whether gathered tool
// results suffice to answer.
func EvaluateResults(systemContext, query, summaryText, toolCallsText string) string {
	toolCallsSection := ""
	if toolCallsText != "" {
		toolCallsSection = fmt.Sprintf("\n**Tools Called:**\n%s\n", toolCallsText)
	}
	contextSection := ""
	if systemContext != "" {
		contextSection = systemContext + "\n\n"
	}

	return fmt.Sprintf(`%sEvaluate if the tool results provide sufficient data to answer the user's question.

**User Question:** %s
%s
**Results from Tools:**
%s

**Evaluation Criteria:**

Tools return **structured JSON data** (entries, records, search results, etc.), NOT formatted answers.

Mark as **ADEQUATE** if:
- Tool returned relevant structured data (entries, hits, records) that contain information to answer the question
- The data is relevant to the question, even if it needs formatting/synthesis

Mark as **INADEQUATE** only if:
- No results returned (empty dataset)
- Results are completely irrelevant to the question
- Tool error or missing critical data fields
- Wrong tool was called
- **Wrong date range**: If the user asked for a specific time period, check if result timestamps match that period

**Remember**: Your job is to check if DATA exists, not if it's formatted nicely. Formatting happens in the next step.

**Refinement Suggestions (only if inadequate):**
- Use different tool or parameters
- Add/modify filters or search terms
- Expand or narrow the search scope
- **Fix date parameters**: If dates are wrong, recalculate correct since/until values based on the current date and the user's intent

Reply with JSON only:
{
  "adequate": true/false,
  "reasoning": "brief explanation of data availability",
  "refinement": "specific parameter changes if inadequate"
}
`, contextSection, query, toolCallsSection, summaryText)
}

// AnswerWithTools builds the synthesis prompt over gathered context.
func AnswerWithTools(systemContext, query, contextText, referencesText, imagesText string) string {
	return fmt.Sprintf(`%s

**Task:** Answer the user's question using the provided context.

**User Question:** %s

**Context from Tools:**
%s

**Available Source References:**
%s
%s

**General Instructions:**
- **CRITICAL: Match the language of the user's question EXACTLY:**
  * If the user question is in English -> respond in English
  * If the user question is in German -> respond in German
  * The language of source documents or ELOG entries does NOT matter - only the user's question language
- Be concise and technical (2-4 paragraphs)
- Ground your answer in the provided context
- Cite sources with clickable URLs
- If context is insufficient, acknowledge this clearly

**Formatting Guidelines:**

**Citations (General):**
- Use domain name as link text: [domain.com](URL)

**Images:**
- Include attached images in your answer when relevant
- Insert inline using: ![Image caption](image_url)
- Place in relevant paragraph, not at the end

**ELOG Entries (from search_elog, get_elog_thread):**

**Essential Fields to Always Include:**
- **Date/Time**: Use the "Date" field from the context (NOT times mentioned in content)
- **Author**: Entry creator
- **Category**: Entry type
- **System/Domain**: Technical classification
- **Effect**: Impact description
- **Content**: Full body text (do NOT summarize unless the user asks for a summary)
- **Link**: Clickable URL using format [elog-gfa.psi.ch/ID](URL)

**DISPLAYING ATTACHMENTS:**
Display images **INLINE** using ![](url) only when:
1. The content **mentions** screenshots/images/plots (e.g., "see screenshot", "image shows")
2. The user **explicitly asks** for images (e.g., "show screenshots", "include images")

Otherwise, display as **clickable links**: **Attachments:** [filename](url), [filename2](url2)

**AccWiki/Knowledge Base (from search_accelerator_knowledge):**
- Cite with facility name if available: "According to SLS documentation..."
- Include article title if relevant
- Always provide clickable link

**Answer:**
`, systemContext, query, contextText, referencesText, imagesText)
}

// AnswerDirect builds the no-tools answer prompt over knowledge,
// history, and uploaded files.
func AnswerDirect(systemContext, query, historyContext, filesContext string) string {
	return fmt.Sprintf(`%s

**Task:** Answer this question using your knowledge, the conversation history, and any uploaded files.

%s%s
**Current Question:** %s

**Instructions:**

**For Follow-Up Questions:**
- **CAREFULLY examine the conversation history above** - it may contain the complete information needed to answer
- If the user is asking for "complete" or "full" details about something mentioned in the history, extract and present that information
- Look for specific IDs, entries, or references in the conversation history (e.g., ELOG IDs, article IDs, event names)
- **Citations**: When using information from conversation history that originally came from tools, maintain the original source citations and URLs

**General Instructions:**
- **CRITICAL: Match the language of the user's question EXACTLY:**
  * If the user question is in English -> respond in English
  * If the user question is in German -> respond in German
- Be comprehensive when the user asks for "complete" or "full" information - don't summarize unnecessarily
- If the conversation history contains the answer, use it - don't say you need to search again
- If uploaded files are provided above, use that information to answer the question
- If information is truly missing and not in history, then acknowledge you would need to search

**Answer:**
`, systemContext, historyContext, filesContext, query)
}

// AskUser builds the clarification message shown when refinement is
// exhausted without adequate results. Attempts lists what was tried,
// one line per tool call with the evaluator's reasoning.
func AskUser(query string, attempts []string, lastReasoning string) string {
	var b strings.Builder
	b.WriteString("I could not find adequate information to answer your question")
	if lastReasoning != "" {
		fmt.Fprintf(&b, " (%s)", lastReasoning)
	}
	b.WriteString(".\n")

	if len(attempts) > 0 {
		b.WriteString("\n**What I tried:**\n")
		for _, attempt := range attempts {
			fmt.Fprintf(&b, "- %s\n", attempt)
		}
	}

	b.WriteString("\nYou could help me by choosing one of:\n")
	b.WriteString("1. Give me more specific filters (facility, system, ELOG entry, or a time range)\n")
	b.WriteString("2. Ask me to answer from general knowledge, without PSI data\n")
	b.WriteString("3. Redirect me - describe in your own words what you are after\n")
	return b.String()
}
