package services

import (
	"fmt"
	"strings"

	"alfredoptarigan/cv-evaluation-pipeline/internal/models"
)

const noContextFound = "No relevant reference context was found."

// ProfileSchema is the stage A response contract. Ranges are enforced by
// clamping after validation, not by the schema.
var ProfileSchema = MustResponseSchema(models.SchemaProfileEvaluation, map[string]any{
	"type": "object",
	"required": []any{
		"technical_skills", "experience_level", "achievements", "cultural_fit",
		"weighted_average", "match_rate", "feedback",
	},
	"additionalProperties": false,
	"properties": map[string]any{
		"technical_skills": map[string]any{"type": "number"},
		"experience_level": map[string]any{"type": "number"},
		"achievements":     map[string]any{"type": "number"},
		"cultural_fit":     map[string]any{"type": "number"},
		"weighted_average": map[string]any{"type": "number"},
		"match_rate":       map[string]any{"type": "number"},
		"feedback":         map[string]any{"type": "string", "minLength": 1},
	},
})

// SubmissionSchema is the stage B response contract.
var SubmissionSchema = MustResponseSchema(models.SchemaSubmissionEvaluation, map[string]any{
	"type": "object",
	"required": []any{
		"correctness", "code_quality", "resilience", "documentation", "creativity",
		"weighted_average", "project_score", "feedback",
	},
	"additionalProperties": false,
	"properties": map[string]any{
		"correctness":      map[string]any{"type": "number"},
		"code_quality":     map[string]any{"type": "number"},
		"resilience":       map[string]any{"type": "number"},
		"documentation":    map[string]any{"type": "number"},
		"creativity":       map[string]any{"type": "number"},
		"weighted_average": map[string]any{"type": "number"},
		"project_score":    map[string]any{"type": "number"},
		"feedback":         map[string]any{"type": "string", "minLength": 1},
	},
})

type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// ProfileQuery is the retrieval query for stage A.
func (pb *PromptBuilder) ProfileQuery(jobTitle string) string {
	return fmt.Sprintf("%s job requirements and qualifications: technical skills, experience level, achievements, cultural and collaboration fit, CV scoring rubric", strings.TrimSpace(jobTitle))
}

// SubmissionQuery is the retrieval query for stage B.
func (pb *PromptBuilder) SubmissionQuery(jobTitle string) string {
	return fmt.Sprintf("%s case study requirements: correctness, code quality, resilience and error handling, documentation, creativity, project scoring rubric", strings.TrimSpace(jobTitle))
}

// SynthesisQuery is the retrieval query for stage C.
func (pb *PromptBuilder) SynthesisQuery(jobTitle string) string {
	return fmt.Sprintf("%s hiring expectations and overall candidate assessment", strings.TrimSpace(jobTitle))
}

// ProfileMessages builds the stage A conversation.
func (pb *PromptBuilder) ProfileMessages(jobTitle, context, cvText string) []Message {
	system := fmt.Sprintf(`You are an expert HR recruiter evaluating a candidate's CV for a %s position.

Score each parameter as an integer from 1 to 5 using the job description and scoring rubric in the reference context:
1. technical_skills (weight 40%%): alignment with the required backend, database, API, cloud and AI/LLM skills
2. experience_level (weight 25%%): years of experience and project complexity
3. achievements (weight 20%%): measurable impact of past work
4. cultural_fit (weight 15%%): communication, learning mindset, teamwork and leadership

Respond with a single JSON object and nothing else:
{
  "technical_skills": <1-5>,
  "experience_level": <1-5>,
  "achievements": <1-5>,
  "cultural_fit": <1-5>,
  "weighted_average": <weighted average of the four scores>,
  "match_rate": <weighted_average / 5, between 0 and 1>,
  "feedback": "<3-5 sentences on strengths and gaps, citing the CV>"
}`, jobTitle)

	user := fmt.Sprintf("REFERENCE CONTEXT:\n%s\n\nCANDIDATE CV:\n%s", contextOrDefault(context), cvText)

	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

// SubmissionMessages builds the stage B conversation.
func (pb *PromptBuilder) SubmissionMessages(jobTitle, context, reportText string) []Message {
	system := fmt.Sprintf(`You are an expert technical evaluator assessing a take-home project report submitted for a %s position.

Score each parameter as an integer from 1 to 5 using the case study brief and scoring rubric in the reference context:
1. correctness (weight 30%%): prompt design, LLM chaining, RAG context injection
2. code_quality (weight 25%%): clean, modular, reusable, tested
3. resilience (weight 20%%): long-running jobs, retries, randomness, API failures
4. documentation (weight 15%%): README clarity, setup instructions, trade-off explanations
5. creativity (weight 10%%): features beyond the requirements

Respond with a single JSON object and nothing else:
{
  "correctness": <1-5>,
  "code_quality": <1-5>,
  "resilience": <1-5>,
  "documentation": <1-5>,
  "creativity": <1-5>,
  "weighted_average": <weighted average of the five scores>,
  "project_score": <weighted_average, between 1 and 5>,
  "feedback": "<3-5 sentences on what was done well and what to improve>"
}`, jobTitle)

	user := fmt.Sprintf("REFERENCE CONTEXT:\n%s\n\nPROJECT REPORT:\n%s", contextOrDefault(context), reportText)

	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

// SynthesisMessages builds the stage C conversation from the two stored
// stage results.
func (pb *PromptBuilder) SynthesisMessages(jobTitle, context string, profile *models.ProfileEvaluation, submission *models.SubmissionEvaluation) []Message {
	system := fmt.Sprintf(`You are a technical hiring manager making the final assessment of a candidate for a %s position.

Write a concise overall summary of 3-5 sentences covering the candidate's strengths, key gaps, and a final recommendation (Strong Hire / Hire / Maybe / No Hire).
Return only the summary text.`, jobTitle)

	user := fmt.Sprintf(`CV EVALUATION:
- Technical skills: %d, experience level: %d, achievements: %d, cultural fit: %d
- Weighted average: %.2f
- Match rate: %.2f (out of 1.0)
- Feedback: %s

PROJECT EVALUATION:
- Correctness: %d, code quality: %d, resilience: %d, documentation: %d, creativity: %d
- Project score: %.2f (out of 5.0)
- Feedback: %s

REFERENCE CONTEXT:
%s`,
		profile.TechnicalSkills, profile.ExperienceLevel, profile.Achievements, profile.CulturalFit,
		profile.WeightedAverage, profile.MatchRate, profile.Feedback,
		submission.Correctness, submission.CodeQuality, submission.Resilience, submission.Documentation, submission.Creativity,
		submission.ProjectScore, submission.Feedback,
		contextOrDefault(context),
	)

	return []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}
}

func contextOrDefault(context string) string {
	if strings.TrimSpace(context) == "" {
		return noContextFound
	}
	return context
}
