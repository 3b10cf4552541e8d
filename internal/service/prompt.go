package service

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/docify-ai/docify-backend/internal/model"
)

// PromptType selects the task-specific template pair.
type PromptType string

const (
	PromptQA      PromptType = "qa"
	PromptSummary PromptType = "summary"
	PromptCompare PromptType = "compare"
	PromptExtract PromptType = "extract"
	PromptExplain PromptType = "explain" // reuses the qa template
)

// Valid reports whether t names a known prompt type.
func (t PromptType) Valid() bool {
	switch t {
	case PromptQA, PromptSummary, PromptCompare, PromptExtract, PromptExplain:
		return true
	}
	return false
}

const (
	historyMaxTurns      = 5
	historyMessageMaxLen = 500
	followupAnswerMaxLen = 500
)

const systemPromptQA = `You are Docify, an AI research assistant with access to a private knowledge base.
Your role is to answer questions based ONLY on the provided documents.

CRITICAL RULES - YOU MUST FOLLOW THESE:
1. ONLY use information from the provided context below
2. If information is NOT in the context, say "This information is not available in the provided documents"
3. ALWAYS cite your sources using [Source N] format where N matches the source number
4. NEVER make up or infer information not explicitly stated in the sources
5. NEVER cite sources that weren't provided to you
6. If sources disagree, mention BOTH perspectives with their citations

CITATION FORMAT:
- For direct quotes: "quoted text" [Source N]
- For paraphrased info: paraphrased statement [Source N]
- For synthesized info from multiple sources: statement [Source N, Source M]

RESPONSE STRUCTURE:
1. Answer the question directly first
2. Provide supporting details with citations
3. If relevant, note any limitations or gaps in the available information

REMEMBER: It is better to say "I don't have this information" than to guess or make something up.`

const systemPromptSummary = `You are Docify, an AI research assistant tasked with summarizing documents.
Your role is to create accurate summaries based ONLY on the provided content.

CRITICAL RULES:
1. Summarize ONLY what is explicitly stated in the documents
2. Do NOT add interpretations or external knowledge
3. Cite specific sources for key points using [Source N] format
4. Maintain the original meaning - do not distort or exaggerate
5. If documents conflict, present both views with citations

STRUCTURE:
1. Key findings/main points (with citations)
2. Supporting details (with citations)
3. Any noted limitations or caveats from the sources`

const systemPromptCompare = `You are Docify, an AI research assistant comparing information across documents.
Your role is to identify similarities, differences, and relationships based ONLY on the provided content.

CRITICAL RULES:
1. Compare ONLY information explicitly stated in the documents
2. Do NOT infer relationships not directly supported by text
3. Cite each comparison point: "Document A says X [Source N] while Document B says Y [Source M]"
4. Highlight agreements and disagreements clearly
5. Do NOT favor one source over another without explicit evidence

STRUCTURE:
1. Similarities (with citations from both sources)
2. Differences (with citations showing the contrast)
3. Synthesis or conclusion (only if directly supported)`

const systemPromptExtract = `You are Docify, an AI research assistant extracting specific information.
Your role is to find and present requested information based ONLY on the provided documents.

CRITICAL RULES:
1. Extract ONLY what is explicitly stated
2. If the requested information is not present, say so clearly
3. Cite the exact source for each piece of extracted information [Source N]
4. Use direct quotes when precision matters
5. Do NOT paraphrase in ways that change meaning

FORMAT:
- Present extracted information clearly
- Include source citations for each item
- Note if information is partial or incomplete`

const userTemplateQA = `Based on the following sources from your knowledge base:

%s

---

USER QUESTION: %s

---

Answer the question using ONLY the sources provided above. Cite your sources using [Source N] format.
If the answer is not in the sources, say "This information is not available in the provided documents."
`

const userTemplateSummary = `Summarize the following documents from your knowledge base:

%s

---

USER REQUEST: %s

---

Create a comprehensive summary using ONLY the content above. Cite key points using [Source N] format.
`

const userTemplateCompare = `Compare the following documents from your knowledge base:

%s

---

USER REQUEST: %s

---

Compare and contrast the information across sources. Cite each point using [Source N] format.
`

const userTemplateExtract = `Extract information from the following documents:

%s

---

USER REQUEST: %s

---

Extract the requested information using ONLY the sources above. Cite each extracted item using [Source N] format.
If the information is not present, state that clearly.
`

// Prompt is the built prompt pair with metadata.
type Prompt struct {
	System       string     `json:"system"`
	User         string     `json:"user"`
	PromptType   PromptType `json:"prompt_type"`
	SourceCount  int        `json:"source_count"`
	HasConflicts bool       `json:"has_conflicts"`
}

// FullText returns system and user prompts joined for single-prompt
// providers.
func (p *Prompt) FullText() string {
	return p.System + "\n\n" + p.User
}

// PromptService builds grounded, citation-enforced prompts from evidence
// packets.
type PromptService struct{}

// NewPromptService creates a PromptService.
func NewPromptService() *PromptService {
	return &PromptService{}
}

// Build assembles the system and user prompts for a query against a packet.
// Optional clauses are appended when applicable: a conflict notice, extra
// instructions, and a compressed recent-history transcript.
func (s *PromptService) Build(query string, packet *EvidencePacket, promptType PromptType, history []model.Message, extraInstructions string) *Prompt {
	system, userTemplate := templates(promptType)

	if packet.HasConflicts && packet.ConflictSummary != "" {
		system += "\n\nNOTE: Some sources may contain conflicting information. When you encounter conflicts, present both perspectives with citations."
	}

	if extraInstructions != "" {
		system += "\n\nADDITIONAL INSTRUCTIONS:\n" + extraInstructions
	}

	if len(history) > 0 {
		system += "\n\nPREVIOUS CONVERSATION:\n" + formatHistory(history)
	}

	user := fmt.Sprintf(userTemplate, FormatPacket(packet), query)

	slog.Info("prompt built",
		"prompt_type", promptType,
		"system_chars", len(system),
		"user_chars", len(user),
		"sources", packet.SourceCount,
	)

	return &Prompt{
		System:       system,
		User:         user,
		PromptType:   promptType,
		SourceCount:  packet.SourceCount,
		HasConflicts: packet.HasConflicts,
	}
}

// BuildFollowup threads the previous answer into the instructions for a
// follow-up question.
func (s *PromptService) BuildFollowup(query string, packet *EvidencePacket, previousAnswer string, history []model.Message) *Prompt {
	if len(previousAnswer) > followupAnswerMaxLen {
		previousAnswer = previousAnswer[:followupAnswerMaxLen]
	}
	extra := fmt.Sprintf(`This is a follow-up question. The previous answer was:
"%s..."

If this follow-up relates to the previous answer, maintain consistency.
If it's a new topic, treat it as a fresh question using only the provided sources.`, previousAnswer)

	return s.Build(query, packet, PromptQA, history, extra)
}

// NoContextResponse is the canned reply when retrieval produced nothing.
// The orchestrator short-circuits LLM invocation on this path.
func (s *PromptService) NoContextResponse(query string) string {
	return fmt.Sprintf(`I couldn't find any relevant information in your documents to answer: "%s"

This could mean:
1. The topic isn't covered in your uploaded documents
2. The question might need to be rephrased
3. You may need to upload documents containing this information

Would you like to:
- Rephrase your question?
- Upload relevant documents?
- Ask about a different topic?`, query)
}

// FormatPacket renders the packet as source blocks. The block framing
// ([Source N] ... [End Source N]) is load-bearing: the verifier reconstructs
// its source map from the same index order.
func FormatPacket(packet *EvidencePacket) string {
	sources := packet.Sources()
	sections := make([]string, 0, len(sources))
	for _, c := range sources {
		sections = append(sections, formatSourceBlock(&c))
	}
	return strings.Join(sections, "\n\n")
}

func formatSourceBlock(c *PacketChunk) string {
	lines := []string{
		fmt.Sprintf("[Source %d]", c.SourceIndex),
		"Document: " + c.Title,
		"Type: " + c.Type,
	}
	if c.Section != nil && *c.Section != "" {
		lines = append(lines, "Section: "+*c.Section)
	}
	if c.Page != nil {
		lines = append(lines, fmt.Sprintf("Page: %d", *c.Page))
	}
	lines = append(lines,
		fmt.Sprintf("Relevance: %.2f", c.Score),
		"",
		c.Content,
		fmt.Sprintf("[End Source %d]", c.SourceIndex),
	)
	return strings.Join(lines, "\n")
}

// formatHistory compresses the recent transcript: last maxTurns×2 messages,
// each truncated to 500 characters.
func formatHistory(history []model.Message) string {
	recent := history
	if limit := historyMaxTurns * 2; len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}

	var lines []string
	for _, msg := range recent {
		content := msg.Content
		if len(content) > historyMessageMaxLen {
			content = content[:historyMessageMaxLen] + "..."
		}
		lines = append(lines, strings.ToUpper(string(msg.Role))+": "+content)
	}
	return strings.Join(lines, "\n")
}

func templates(t PromptType) (system, userTemplate string) {
	switch t {
	case PromptSummary:
		return systemPromptSummary, userTemplateSummary
	case PromptCompare:
		return systemPromptCompare, userTemplateCompare
	case PromptExtract:
		return systemPromptExtract, userTemplateExtract
	default: // qa and explain share the qa template
		return systemPromptQA, userTemplateQA
	}
}
