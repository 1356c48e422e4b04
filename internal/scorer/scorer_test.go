package scorer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stangirard/polish/internal/executor"
	"github.com/stangirard/polish/internal/preset"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCalculateScore_EmptyMetricsTotalZero(t *testing.T) {
	s := New(executor.New(testLogger()), testLogger())
	score := s.CalculateScore(context.Background(), nil, t.TempDir())
	require.Equal(t, 0.0, score.Total)
}

func TestCalculateScore_WeightedMean(t *testing.T) {
	s := New(executor.New(testLogger()), testLogger())
	metrics := []preset.Metric{
		{Name: "tests", Command: `echo "4 pass, 1 fail"`, Weight: 100, Target: 95},
	}
	score := s.CalculateScore(context.Background(), metrics, t.TempDir())
	require.Equal(t, 80.0, score.Total)
	require.Len(t, score.Metrics, 1)
	require.Equal(t, 80, score.Metrics[0].Score)
}

func TestCalculateScore_AllPassed(t *testing.T) {
	s := New(executor.New(testLogger()), testLogger())
	metrics := []preset.Metric{
		{Name: "tests", Command: `echo "5 pass"`, Weight: 100, Target: 95},
	}
	score := s.CalculateScore(context.Background(), metrics, t.TempDir())
	require.Equal(t, 100.0, score.Total)
}

func TestWorst_PicksLargestGap(t *testing.T) {
	score := Score{Metrics: []MetricResult{
		{Name: "a", Score: 90, Target: 95},
		{Name: "b", Score: 50, Target: 95},
	}}
	worst, ok := score.Worst()
	require.True(t, ok)
	require.Equal(t, "b", worst.Name)
}

func TestImproving_ThresholdExact(t *testing.T) {
	prev := Score{Total: 80}
	cur := Score{Total: 80.5}
	require.True(t, cur.Improving(prev, 0.5))
	require.False(t, Score{Total: 80.4}.Improving(prev, 0.5))
}

func TestParseTypescript_ErrorsDeduct5Each(t *testing.T) {
	output := "error TS2322: foo\nerror TS2304: bar\n"
	require.Equal(t, 90, parseTypescript(output, 1))
}

func TestParseLint_SummaryLine(t *testing.T) {
	output := "3 problems (2 errors, 1 warning)"
	require.Equal(t, 89, parseLint(output, 1))
}

func TestParseCoverage_AllFilesLine(t *testing.T) {
	output := "All files | 87.3% | ..."
	require.Equal(t, 87, parseCoverage(output))
}

func TestParseDuplication_PenaltyPerUnit(t *testing.T) {
	require.Equal(t, 90, parseDuplication("10", 1))
	require.Equal(t, 80, parseDuplication("10", 2))
}

func TestCalculateScore_IndependentMetricsRunConcurrently(t *testing.T) {
	s := New(executor.New(testLogger()), testLogger())
	metrics := []preset.Metric{
		{Name: "a", Command: `echo "5 pass"`, Weight: 50, Target: 95, Independent: true},
		{Name: "b", Command: `echo "5 pass"`, Weight: 50, Target: 95, Independent: true},
	}
	score := s.CalculateScore(context.Background(), metrics, t.TempDir())
	require.Equal(t, 100.0, score.Total)
	require.Len(t, score.Metrics, 2)
}
