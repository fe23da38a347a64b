// Package classifier provides the optional threat classifier consulted by the
// scoring engine. Models are trained offline and shipped as YAML files.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Common errors.
var (
	ErrPrediction   = errors.New("prediction failed")
	ErrInvalidModel = errors.New("invalid classifier model")
)

// Label is a classifier output.
type Label string

const (
	LabelLow    Label = "low"
	LabelMedium Label = "medium"
	LabelHigh   Label = "high"
)

// Features is the input frame of a prediction.
type Features struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	CVSS        float64 `json:"cvss_score"`
	EPSS        float64 `json:"epss_score"`
	KEV         int     `json:"kev_exploited"`
	Percentile  float64 `json:"percentile"`
}

// FeaturesFrom builds the feature frame of a record.
func FeaturesFrom(r *threat.Record) Features {
	f := Features{
		Title:       r.Title,
		Description: r.Description,
		CVSS:        r.SeverityScore,
		EPSS:        r.ExploitProbability,
		Percentile:  r.Percentile,
	}
	if r.Exploited {
		f.KEV = 1
	}
	return f
}

// Classifier predicts a label for a feature frame.
type Classifier interface {
	Predict(ctx context.Context, f Features) (Label, error)
}

// Model is a linear keyword model.
//
//	z = bias + Σ weights[feature]·value + Σ keywords[k] for every k in the text
//
// z ≥ thresholds.high → high, z ≥ thresholds.medium → medium, else low.
type Model struct {
	Name       string             `yaml:"name"`
	Version    string             `yaml:"version"`
	Bias       float64            `yaml:"bias"`
	Weights    map[string]float64 `yaml:"weights"`
	Keywords   map[string]float64 `yaml:"keywords"`
	Thresholds Thresholds         `yaml:"thresholds"`

	keywords []keyword
}

// Thresholds splits the decision value into labels.
type Thresholds struct {
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

type keyword struct {
	term   string
	weight float64
}

var numericFeatures = map[string]func(Features) float64{
	"cvss_score":    func(f Features) float64 { return f.CVSS },
	"epss_score":    func(f Features) float64 { return f.EPSS },
	"kev_exploited": func(f Features) float64 { return float64(f.KEV) },
	"percentile":    func(f Features) float64 { return f.Percentile },
}

// LoadModel reads a model file.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return ParseModel(data)
}

// ParseModel decodes and validates a YAML model.
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Model) compile() error {
	if m.Thresholds.High < m.Thresholds.Medium {
		return fmt.Errorf("%w: high threshold %v below medium %v", ErrInvalidModel, m.Thresholds.High, m.Thresholds.Medium)
	}
	for name := range m.Weights {
		if _, ok := numericFeatures[name]; !ok {
			return fmt.Errorf("%w: unknown feature %q", ErrInvalidModel, name)
		}
	}
	if len(m.Weights) == 0 && len(m.Keywords) == 0 {
		return fmt.Errorf("%w: no weights or keywords", ErrInvalidModel)
	}

	m.keywords = m.keywords[:0]
	for term, w := range m.Keywords {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		m.keywords = append(m.keywords, keyword{term: term, weight: w})
	}
	sort.Slice(m.keywords, func(i, j int) bool { return m.keywords[i].term < m.keywords[j].term })
	return nil
}

// Decision returns the model's raw decision value for f.
func (m *Model) Decision(f Features) float64 {
	z := m.Bias
	for name, w := range m.Weights {
		z += w * numericFeatures[name](f)
	}
	text := strings.ToLower(f.Title + " " + f.Description)
	for _, k := range m.keywords {
		if strings.Contains(text, k.term) {
			z += k.weight
		}
	}
	return z
}

// Predict implements Classifier.
func (m *Model) Predict(ctx context.Context, f Features) (Label, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPrediction, err)
	}
	switch z := m.Decision(f); {
	case z >= m.Thresholds.High:
		return LabelHigh, nil
	case z >= m.Thresholds.Medium:
		return LabelMedium, nil
	default:
		return LabelLow, nil
	}
}
