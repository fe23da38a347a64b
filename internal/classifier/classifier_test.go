package classifier

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/threat"
)

const testModel = `
name: keyword-linear
version: "3"
bias: -1
weights:
  cvss_score: 0.2
  epss_score: 2
  kev_exploited: 1.5
keywords:
  Ransomware: 1.5
  phishing: 0.8
thresholds:
  medium: 0.5
  high: 2.5
`

func TestParseModel_Predict(t *testing.T) {
	m, err := ParseModel([]byte(testModel))
	require.NoError(t, err)

	tests := []struct {
		name string
		f    Features
		want Label
	}{
		{"empty", Features{}, LabelLow},
		{"medium severity", Features{CVSS: 8}, LabelMedium},
		{"exploited ransomware", Features{Description: "RANSOMWARE campaign", CVSS: 9, KEV: 1}, LabelHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Predict(context.Background(), tt.f)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseModel_Rejects(t *testing.T) {
	tests := map[string]string{
		"not yaml":           "weights: [",
		"unknown feature":    "weights: {stars: 1}\nthresholds: {medium: 1, high: 2}",
		"inverted threshold": "weights: {cvss_score: 1}\nthresholds: {medium: 3, high: 2}",
		"empty":              "bias: 1",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseModel([]byte(data))
			assert.ErrorIs(t, err, ErrInvalidModel)
		})
	}
}

func TestPredict_CancelledContext(t *testing.T) {
	m, err := ParseModel([]byte(testModel))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Predict(ctx, Features{})
	assert.ErrorIs(t, err, ErrPrediction)
}

func TestFeaturesFrom(t *testing.T) {
	f := FeaturesFrom(&threat.Record{Title: "t", SeverityScore: 7.5, ExploitProbability: 0.3, Percentile: 0.9, Exploited: true})
	assert.Equal(t, Features{Title: "t", CVSS: 7.5, EPSS: 0.3, KEV: 1, Percentile: 0.9}, f)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testModel), 0o600))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	assert.Equal(t, "3", w.Model().Version)

	updated := "version: \"4\"\nweights: {cvss_score: 1}\nthresholds: {medium: 0, high: 0}\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool { return w.Model().Version == "4" }, 2*time.Second, 10*time.Millisecond)
	label, err := w.Predict(context.Background(), Features{})
	require.NoError(t, err)
	assert.Equal(t, LabelHigh, label)
}

func TestWatcher_KeepsModelOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testModel), 0o600))

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("weights: ["), 0o600))
	assert.Error(t, w.Reload())
	assert.Equal(t, "3", w.Model().Version)
}

func TestNewWatcher_MissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), zap.NewNop())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
