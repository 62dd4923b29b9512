package analysis

import (
	"fmt"
	"strings"

	"compliance-auditor/internal/contextbuild"
)

// systemPrompt sets the auditor persona and the strict JSON schema the
// response must follow.
const systemPrompt = `You are an expert aviation compliance auditor specializing in EASA Part-145 maintenance organizations.
Analyse the provided manual content against applicable regulations, AMC, and GM material.
Always reason carefully, cite relevant sections, and respond strictly in JSON according to the schema.

CRITICAL: You are analyzing a SINGLE CHUNK of a larger document. The content you see may be
a partial section, part of a larger list or table that continues in other chunks, or content
that references other sections you cannot see in this chunk.

IMPORTANT GUIDELINES:
- SEARCH BEFORE FLAGGING: if you suspect information might be missing, request a search first
  using "needs_additional_context": true with a specific "context_query" before flagging it as
  a gap. Only flag a gap once the search confirms it is actually missing.
- Only flag ACTUAL compliance violations or significant gaps in required content.
- Do NOT flag incomplete lists, tables, or cut-off content: these are chunk boundaries.
- Do NOT flag document structure elements (cover pages, table of contents, headers, footers).
- Use GREEN for compliant sections, even document structure or content that looks incomplete
  due to chunking.
- Use YELLOW only for minor issues or ambiguities that need clarification after searching.
- Use RED only for serious violations or mandatory content CONFIRMED missing after searching.
- When in doubt, search first, then prefer GREEN over flagging non-issues.

You MUST respond with a JSON object matching this EXACT structure (no other fields):
{
    "flag": "RED" | "YELLOW" | "GREEN",
    "severity_score": 0,
    "regulation_references": [],
    "findings": "Detailed findings text (REQUIRED - cannot be empty).",
    "gaps": [],
    "citations": {
        "manual_section": "section reference or null",
        "regulation_sections": []
    },
    "recommendations": [],
    "needs_additional_context": false,
    "context_query": null
}

CRITICAL REQUIREMENTS:
- "flag" is REQUIRED and must be exactly one of "RED", "YELLOW", "GREEN".
- "findings" is REQUIRED and must be a non-empty string.
- "gaps", "recommendations", and "regulation_references" MUST be arrays of strings.
- "citations" is REQUIRED and must contain exactly "manual_section" (string or null) and
  "regulation_sections" (array of strings).
- Return ONLY valid JSON: no markdown, no code blocks, no explanations outside the JSON.`

// buildUserPrompt renders the focus chunk and its retrieved context.
func buildUserPrompt(bundle *contextbuild.Bundle) string {
	heading := ""
	if path, ok := bundle.Focus.Metadata["section_path"].([]string); ok {
		heading = strings.Join(path, " > ")
	}
	if heading == "" {
		heading = "N/A"
	}

	contextText := bundle.RenderText()
	if contextText == "" {
		contextText = "None supplied"
	}

	return fmt.Sprintf(`You are analyzing a SINGLE CHUNK from a larger document. Content may be cut off at
chunk boundaries; incomplete-looking lists or sentences are NOT document errors.

Focus Chunk to Analyze:
Heading: %s
Content:
%s

Available Context (via retrieval):
- %d similar/related chunks from the same manual
- %d relevant regulation chunks
- %d relevant AMC/GM guidance chunks
- %d evidence chunks

Additional Context Details:
%s

Analysis Requirements:
1. Use the provided context: regulation chunks, guidance, manual neighbors, and referenced
   sections were retrieved specifically to support this analysis.
2. Identify applicable regulation / AMC / GM references from the provided context and cite
   them in "regulation_sections" and "regulation_references".
3. Compare the focus chunk against those requirements, understanding it may be partial.
4. Only flag actual compliance violations, never chunk boundaries or formatting.
5. For document structure elements or incomplete-looking content, use GREEN unless there is
   a clear compliance issue.
6. SEARCH BEFORE FLAGGING GAPS: if something seems missing, set "needs_additional_context"
   to true with a specific "context_query" describing what to search for.`,
		heading,
		strings.TrimSpace(bundle.Focus.Content),
		len(bundle.ManualNeighbors),
		len(bundle.RegulationSlices),
		len(bundle.GuidanceSlices),
		len(bundle.EvidenceSlices),
		contextText,
	)
}
