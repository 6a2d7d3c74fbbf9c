package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunAllStepsSucceed(t *testing.T) {
	var order []string
	steps := []Step{
		{Name: "a", Run: func(ctx context.Context, p *Provenance) error { order = append(order, "a"); return nil }},
		{Name: "b", Run: func(ctx context.Context, p *Provenance) error { order = append(order, "b"); return nil }},
	}
	summary := Run(context.Background(), steps)
	require.Equal(t, 0, summary.ExitCode)
	require.Equal(t, []string{"a", "b"}, order)
	require.Len(t, summary.Steps, 2)
	require.Equal(t, StepOK, summary.Steps[0].Status)
	require.Equal(t, StepOK, summary.Steps[1].Status)
	require.NotEmpty(t, summary.RunID)
}

func TestRunShortCircuitsOnFailure(t *testing.T) {
	var ran []string
	steps := []Step{
		{Name: "a", Run: func(ctx context.Context, p *Provenance) error { ran = append(ran, "a"); return nil }},
		{Name: "b", Run: func(ctx context.Context, p *Provenance) error { return errors.New("boom") }},
		{Name: "c", Run: func(ctx context.Context, p *Provenance) error { ran = append(ran, "c"); return nil }},
	}
	summary := Run(context.Background(), steps)
	require.Equal(t, 1, summary.ExitCode)
	require.Equal(t, []string{"a"}, ran)
	require.Equal(t, StepOK, summary.Steps[0].Status)
	require.Equal(t, StepFailed, summary.Steps[1].Status)
	require.Equal(t, "boom", summary.Steps[1].Err)
	require.Equal(t, StepSkipped, summary.Steps[2].Status)
}

func TestRunThreadsProvenanceBetweenSteps(t *testing.T) {
	steps := []Step{
		{Name: "corpus-build", Run: func(ctx context.Context, p *Provenance) error {
			p.CorpusDigest = "digest-1"
			return nil
		}},
		{Name: "kg-emit", Run: func(ctx context.Context, p *Provenance) error {
			require.Equal(t, "digest-1", p.CorpusDigest)
			p.KGDigest = "kg-digest-1"
			return nil
		}},
	}
	summary := Run(context.Background(), steps)
	require.Equal(t, "digest-1", summary.Provenance.CorpusDigest)
	require.Equal(t, "kg-digest-1", summary.Provenance.KGDigest)
}

func TestErrStepNotImplementedCarriesName(t *testing.T) {
	err := ErrStepNotImplemented("kg-validate")
	require.Contains(t, err.Error(), "kg-validate")
}
