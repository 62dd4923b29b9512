// Package questions generates prioritized auditor review questions for
// each regulation reference that carries flags, LLM-backed with a
// heuristic fallback.
package questions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"compliance-auditor/internal/analysis"
	"compliance-auditor/internal/model"
	"compliance-auditor/internal/store"
)

// Questions are capped per regulation reference; priority 1 is highest.
const (
	minQuestionsPerSection = 3
	maxQuestionsPerSection = 10
	unknownReference       = "UNKNOWN"
)

// questionItem is one generated question before persistence.
type questionItem struct {
	QuestionText string `json:"question_text"`
	Priority     int    `json:"priority"`
	Rationale    string `json:"rationale"`
}

type questionPlan struct {
	Questions []questionItem `json:"questions"`
}

// Generator produces auditor questions for an audit's flag set.
type Generator struct {
	store  store.Store
	llm    analysis.LLMConfig
	client *http.Client
	logger *zap.Logger
}

// New builds a Generator. An empty API key in llm disables the LLM path
// and questions come from the heuristic fallback alone.
func New(st store.Store, llm analysis.LLMConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := llm.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Generator{
		store:  st,
		llm:    llm,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// GenerateForAudit creates questions for every regulation reference with
// flags. Re-running skips references that already have questions.
// Returns the number of questions created.
func (g *Generator) GenerateForAudit(ctx context.Context, auditID int64) (int, error) {
	if _, err := g.store.AuditByRef(ctx, fmt.Sprint(auditID)); err != nil {
		return 0, err
	}

	flags, err := g.store.FlagsByAudit(ctx, auditID)
	if err != nil {
		return 0, fmt.Errorf("failed to load flags: %w", err)
	}
	if len(flags) == 0 {
		g.logger.Info("no flags, skipping question generation", zap.Int64("audit_id", auditID))
		return 0, nil
	}

	total := 0
	for _, group := range groupFlagsByRegulation(flags) {
		created, err := g.generateForRegulation(ctx, auditID, group.reference, group.flags)
		if err != nil {
			return total, err
		}
		total += created
	}

	g.logger.Info("generated auditor questions",
		zap.Int64("audit_id", auditID), zap.Int("count", total))
	return total, nil
}

type flagGroup struct {
	reference string
	flags     []model.Flag
}

// groupFlagsByRegulation keys each flag by its first regulation
// citation, falling back to the analysis metadata's first regulation
// reference, else the UNKNOWN bucket.
func groupFlagsByRegulation(flags []model.Flag) []flagGroup {
	grouped := make(map[string][]model.Flag)
	var order []string
	add := func(ref string, flag model.Flag) {
		if _, seen := grouped[ref]; !seen {
			order = append(order, ref)
		}
		grouped[ref] = append(grouped[ref], flag)
	}

	for _, flag := range flags {
		ref := ""
		for _, citation := range flag.Citations {
			if citation.CitationType == model.CitationRegulation {
				ref = citation.Reference
				break
			}
		}
		if ref == "" {
			if refs, ok := flag.AnalysisMetadata["regulation_references"].([]string); ok && len(refs) > 0 {
				ref = refs[0]
			} else if refs, ok := flag.AnalysisMetadata["regulation_references"].([]any); ok && len(refs) > 0 {
				ref = fmt.Sprint(refs[0])
			}
		}
		if ref == "" {
			ref = unknownReference
		}
		add(ref, flag)
	}

	out := make([]flagGroup, 0, len(order))
	for _, ref := range order {
		out = append(out, flagGroup{reference: ref, flags: grouped[ref]})
	}
	return out
}

func (g *Generator) generateForRegulation(ctx context.Context, auditID int64, ref string, flags []model.Flag) (int, error) {
	existing, err := g.store.QuestionsByAuditRef(ctx, auditID, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to check existing questions: %w", err)
	}
	if len(existing) > 0 {
		g.logger.Debug("questions already exist, skipping",
			zap.Int64("audit_id", auditID), zap.String("regulation", ref))
		return 0, nil
	}

	flagIDs := make([]int64, 0, len(flags))
	for _, flag := range flags {
		flagIDs = append(flagIDs, flag.ID)
	}

	generatedBy := "llm"
	items, err := g.callLLM(ctx, ref, flags)
	if err != nil {
		g.logger.Warn("LLM question generation failed, using heuristics",
			zap.String("regulation", ref), zap.Error(err))
		items = nil
		generatedBy = "heuristic"
	}
	if len(items) < minQuestionsPerSection {
		items = append(items, heuristicQuestions(flags, minQuestionsPerSection-len(items))...)
	}
	// Highest priority first; cap the combined set.
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority < items[j].Priority })
	if len(items) > maxQuestionsPerSection {
		items = items[:maxQuestionsPerSection]
	}

	rows := make([]model.AuditorQuestion, 0, len(items))
	for _, item := range items {
		rows = append(rows, model.AuditorQuestion{
			AuditID:             auditID,
			RegulationReference: ref,
			QuestionText:        item.QuestionText,
			Priority:            clampPriority(item.Priority),
			Rationale:           item.Rationale,
			RelatedFlagIDs:      flagIDs,
			Metadata: map[string]any{
				"generated_by": generatedBy,
				"flag_count":   len(flags),
			},
		})
	}
	if err := g.store.InsertQuestions(ctx, rows); err != nil {
		return 0, fmt.Errorf("failed to persist questions: %w", err)
	}
	return len(rows), nil
}

// ------------------------------------------------------------------ //
// LLM path
// ------------------------------------------------------------------ //

const questionSystemPrompt = `You are an expert aviation compliance auditor specializing in EASA Part-145 maintenance organizations.
Your task is to generate prioritized review questions for manual auditors based on compliance findings.
Questions should be specific, actionable, and ranked by risk (1=highest priority, 10=lowest priority).
Always respond in valid JSON: {"questions": [{"question_text": "...", "priority": 1, "rationale": "..."}]}`

func (g *Generator) callLLM(ctx context.Context, ref string, flags []model.Flag) ([]questionItem, error) {
	if g.llm.APIKey == "" {
		return nil, fmt.Errorf("no LLM API key configured")
	}

	payload, err := sonic.Marshal(map[string]any{
		"model":           g.llm.Model,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]string{
			{"role": "system", "content": questionSystemPrompt},
			{"role": "user", "content": buildQuestionPrompt(ref, flags)},
		},
	})
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(g.llm.APIBaseURL, "/")
	url := base + "/chat/completions"
	if strings.Contains(base, "/chat/completions") {
		url = base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.llm.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("question LLM returned %d", resp.StatusCode)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := sonic.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("question LLM response missing choices")
	}

	var plan questionPlan
	if err := sonic.Unmarshal([]byte(parsed.Choices[0].Message.Content), &plan); err != nil {
		return nil, fmt.Errorf("question LLM returned invalid JSON: %w", err)
	}

	var items []questionItem
	for _, item := range plan.Questions {
		item.QuestionText = strings.TrimSpace(item.QuestionText)
		item.Rationale = strings.TrimSpace(item.Rationale)
		if len(item.QuestionText) < 10 {
			continue
		}
		item.Priority = clampPriority(item.Priority)
		items = append(items, item)
	}
	return items, nil
}

func buildQuestionPrompt(ref string, flags []model.Flag) string {
	red, yellow, green := 0, 0, 0
	var criticalFindings []string
	var gaps []string
	var findings []string
	for _, flag := range flags {
		switch flag.FlagType {
		case model.FlagRed:
			red++
			criticalFindings = append(criticalFindings, "- "+truncate(flag.Findings, 200))
		case model.FlagYellow:
			yellow++
		case model.FlagGreen:
			green++
		}
		gaps = append(gaps, flag.Gaps...)
		if flag.Findings != "" {
			findings = append(findings, "- "+truncate(flag.Findings, 200))
		}
	}

	summary := fmt.Sprintf("Found %d flags: %d RED, %d YELLOW, %d GREEN", len(flags), red, yellow, green)
	if len(criticalFindings) > 0 {
		summary += "\n\nCritical issues (RED flags):\n" + strings.Join(criticalFindings, "\n")
	}
	gapsText := "None identified"
	if len(gaps) > 0 {
		gapsText = "- " + strings.Join(gaps, "\n- ")
	}
	findingsText := "None identified"
	if len(findings) > 0 {
		findingsText = strings.Join(findings, "\n")
	}

	return fmt.Sprintf(`Regulation Section: %s

Compliance Findings Summary:
%s

Identified Gaps:
%s

Key Findings:
%s

Requirements:
1. Generate 3-5 prioritized review questions for manual auditors.
2. Questions should help clarify compliance issues, verify evidence, or identify missing elements.
3. Priority: 1 = critical/high-risk, 5 = medium, 10 = low/informational.
4. Provide a brief rationale for each question.
5. Focus on actionable questions answerable through document review or clarification.
6. Output valid JSON matching the documented schema.`, ref, summary, gapsText, findingsText)
}

// ------------------------------------------------------------------ //
// Heuristic fallback
// ------------------------------------------------------------------ //

// heuristicQuestions seeds generic questions from the flag findings:
// RED flags take priorities 1-3, YELLOW 4-6, generic fillers 7-10.
func heuristicQuestions(flags []model.Flag, count int) []questionItem {
	if count <= 0 {
		return nil
	}
	var items []questionItem

	var redFlags, yellowFlags []model.Flag
	for _, flag := range flags {
		switch flag.FlagType {
		case model.FlagRed:
			redFlags = append(redFlags, flag)
		case model.FlagYellow:
			yellowFlags = append(yellowFlags, flag)
		}
	}

	for i, flag := range redFlags {
		if len(items) >= count {
			break
		}
		items = append(items, questionItem{
			QuestionText: fmt.Sprintf("Can you provide evidence or clarification for: %s?", truncate(flag.Findings, 150)),
			Priority:     min(3, i+1),
			Rationale:    "Critical compliance issue identified: " + truncate(flag.Findings, 100),
		})
	}
	for i, flag := range yellowFlags {
		if len(items) >= count {
			break
		}
		items = append(items, questionItem{
			QuestionText: fmt.Sprintf("Please clarify or provide additional documentation for: %s?", truncate(flag.Findings, 150)),
			Priority:     min(6, 4+i),
			Rationale:    "Potential compliance concern: " + truncate(flag.Findings, 100),
		})
	}

	generic := []string{
		"Are all required procedures documented and accessible to personnel?",
		"Is there evidence of regular review and updates to the manual?",
		"Are personnel qualifications and training records maintained?",
	}
	for i, text := range generic {
		if len(items) >= count {
			break
		}
		items = append(items, questionItem{
			QuestionText: text,
			Priority:     min(10, 7+i),
			Rationale:    "General compliance verification question",
		})
	}
	return items
}

func clampPriority(priority int) int {
	if priority < 1 {
		return 1
	}
	if priority > 10 {
		return 10
	}
	return priority
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
