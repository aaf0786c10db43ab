package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FileRecord is a user-selected file in transportable form. The payload is
// the file content encoded with standard base64 and must round-trip
// byte-for-byte. Immutable once created.
type FileRecord struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Payload  string `json:"payload"`
}

// SubmissionStatus is the grading lifecycle state of one submission.
type SubmissionStatus string

const (
	StatusPending    SubmissionStatus = "pending"
	StatusProcessing SubmissionStatus = "processing"
	StatusCompleted  SubmissionStatus = "completed"
	StatusFailed     SubmissionStatus = "failed"
)

// Terminal reports whether the status is an end state for a grading run.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Submission is one student's uploaded file set plus its grading state.
// Invariant: Result is non-nil iff Status is Completed; Error is non-empty
// iff Status is Failed.
type Submission struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName"`
	Files       []FileRecord     `json:"files"`
	Status      SubmissionStatus `json:"status"`
	Result      *GradingResult   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// QuestionScore is the collaborator's score for a single question.
type QuestionScore struct {
	QuestionID string  `json:"questionId"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"maxScore"`
	Feedback   string  `json:"feedback"`
}

// GradingResult is the structured outcome of grading one submission against
// the answer key. Owned by its parent submission once attached.
type GradingResult struct {
	StudentName     string          `json:"studentName"`
	TotalScore      float64         `json:"totalScore"`
	MaxTotalScore   float64         `json:"maxTotalScore"`
	QuestionScores  []QuestionScore `json:"questionScores"`
	GeneralFeedback string          `json:"generalFeedback"`
}

// Validate checks that a collaborator response matches the expected shape.
// A violation here is surfaced as a grading failure, never as a partial
// result.
func (r *GradingResult) Validate() error {
	if r.TotalScore < 0 {
		return fmt.Errorf("negative total score %v", r.TotalScore)
	}
	if r.MaxTotalScore <= 0 {
		return fmt.Errorf("max total score must be positive, got %v", r.MaxTotalScore)
	}
	for i, qs := range r.QuestionScores {
		if strings.TrimSpace(qs.QuestionID) == "" {
			return fmt.Errorf("question %d has an empty id", i)
		}
		if qs.Score < 0 || qs.MaxScore < 0 {
			return fmt.Errorf("question %q has a negative score", qs.QuestionID)
		}
	}
	return nil
}

// Step is the workflow screen the session is on.
type Step int

const (
	StepAnswerKey   Step = 0
	StepSubmissions Step = 1
	StepGrading     Step = 2
	StepResults     Step = 3
)

func (s Step) String() string {
	switch s {
	case StepAnswerKey:
		return "answer_key"
	case StepSubmissions:
		return "submissions"
	case StepGrading:
		return "grading"
	case StepResults:
		return "results"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// AppConfig holds runtime parameters set via CLI flags.
type AppConfig struct {
	Lang          string        // UI and export language (vi, en)
	BasePath      string        // URL prefix for sub-path deployments (e.g. "/cham")
	SecureCookies bool          // Set Secure flag on cookies (disable for local dev)
	PromptVariant string        // Grading prompt variant (strict, standard, lenient)
	LLMTimeout    time.Duration // Per-submission grading call timeout (0 = none)
	PasswordHash  []byte        // bcrypt hash of the teacher password; empty disables login
}

// AuthRequired reports whether the login gate is enabled.
func (c AppConfig) AuthRequired() bool {
	return len(c.PasswordHash) > 0
}

// AuthSession is a logged-in teacher session token.
type AuthSession struct {
	ID        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RunRecord is one finished grading run, as written to the archive.
type RunRecord struct {
	ID         int64       `json:"id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Results    []RunResult `json:"results"`
}

// RunResult is one submission's outcome within an archived run.
type RunResult struct {
	Position    int              `json:"position"`
	DisplayName string           `json:"display_name"`
	Status      SubmissionStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	Result      *GradingResult   `json:"result,omitempty"`
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}
