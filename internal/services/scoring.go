package services

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
)

var (
	profileWeights    = [4]float64{0.40, 0.25, 0.20, 0.15}
	submissionWeights = [5]float64{0.30, 0.25, 0.20, 0.15, 0.10}
)

// rawProfile and rawSubmission accept fractional scores from the model
// before they are rounded.
type rawProfile struct {
	TechnicalSkills float64 `json:"technical_skills"`
	ExperienceLevel float64 `json:"experience_level"`
	Achievements    float64 `json:"achievements"`
	CulturalFit     float64 `json:"cultural_fit"`
	Feedback        string  `json:"feedback"`
}

type rawSubmission struct {
	Correctness   float64 `json:"correctness"`
	CodeQuality   float64 `json:"code_quality"`
	Resilience    float64 `json:"resilience"`
	Documentation float64 `json:"documentation"`
	Creativity    float64 `json:"creativity"`
	Feedback      string  `json:"feedback"`
}

// NormalizeProfile decodes a validated stage A reply and clamps every number:
// sub-scores rounded into [1,5], weighted average recomputed from them, match
// rate derived as weighted/5 in [0,1]. Model-supplied aggregates are ignored.
// Feedback that is blank after trimming is a malformed reply.
func NormalizeProfile(raw json.RawMessage) (*models.ProfileEvaluation, error) {
	var in rawProfile
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := &models.ProfileEvaluation{
		TechnicalSkills: clampScore(in.TechnicalSkills),
		ExperienceLevel: clampScore(in.ExperienceLevel),
		Achievements:    clampScore(in.Achievements),
		CulturalFit:     clampScore(in.CulturalFit),
		Feedback:        strings.TrimSpace(in.Feedback),
	}
	if out.Feedback == "" {
		return nil, fmt.Errorf("%w: profile feedback is empty", ErrMalformedResponse)
	}
	out.WeightedAverage = weighted(profileWeights[:], out.TechnicalSkills, out.ExperienceLevel, out.Achievements, out.CulturalFit)
	out.MatchRate = round2(clamp(out.WeightedAverage/5, 0, 1))
	return out, nil
}

// NormalizeSubmission is the stage B counterpart of NormalizeProfile.
func NormalizeSubmission(raw json.RawMessage) (*models.SubmissionEvaluation, error) {
	var in rawSubmission
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := &models.SubmissionEvaluation{
		Correctness:   clampScore(in.Correctness),
		CodeQuality:   clampScore(in.CodeQuality),
		Resilience:    clampScore(in.Resilience),
		Documentation: clampScore(in.Documentation),
		Creativity:    clampScore(in.Creativity),
		Feedback:      strings.TrimSpace(in.Feedback),
	}
	if out.Feedback == "" {
		return nil, fmt.Errorf("%w: submission feedback is empty", ErrMalformedResponse)
	}
	out.WeightedAverage = weighted(submissionWeights[:], out.Correctness, out.CodeQuality, out.Resilience, out.Documentation, out.Creativity)
	out.ProjectScore = round2(clamp(out.WeightedAverage, 1, 5))
	return out, nil
}

func clampScore(v float64) int {
	if math.IsNaN(v) {
		return 1
	}
	return int(clamp(math.Round(v), 1, 5))
}

func weighted(weights []float64, scores ...int) float64 {
	var sum float64
	for i, s := range scores {
		sum += weights[i] * float64(s)
	}
	return round2(clamp(sum, 1, 5))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
