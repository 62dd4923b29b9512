package analysis

import (
	"context"
	"strings"

	"compliance-auditor/internal/contextbuild"
	"compliance-auditor/internal/model"
)

// EchoClient emits placeholder findings. Used when no API key is
// configured and in tests.
type EchoClient struct{}

func (EchoClient) Analyze(_ context.Context, chunk *model.Chunk, bundle *contextbuild.Bundle) (*Analysis, error) {
	var manualSection *string
	if path, ok := bundle.Focus.Metadata["section_path"].([]string); ok && len(path) > 0 {
		joined := strings.Join(path, " > ")
		manualSection = &joined
	}
	return &Analysis{
		Flag:          model.FlagGreen,
		SeverityScore: 10,
		Findings:      "Placeholder analysis - real LLM integration pending.",
		Citations: Citations{
			ManualSection: manualSection,
		},
	}, nil
}
