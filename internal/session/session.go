// Package session holds the live grading session: the answer key, the
// ordered student submissions, and the workflow step. One session exists per
// server process and is discarded wholesale on reset.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hoangtnm/gradepaper/internal/model"
)

var (
	// ErrAnswerKeyRequired is returned when advancing past the answer-key
	// step with no answer-key files.
	ErrAnswerKeyRequired = errors.New("answer key is empty")
	// ErrBusy is returned for step changes while a grading run is in flight.
	ErrBusy = errors.New("grading run in progress")
	// ErrInvalidStep is returned for step transitions the workflow does not
	// allow; Grading and Results are entered only by the run itself.
	ErrInvalidStep = errors.New("invalid step transition")
)

// Session is the shared mutable state behind the workflow. HTTP handlers and
// the grading goroutine access it concurrently, so every operation takes the
// lock; the one-in-flight grading discipline is enforced by Begin/EndRun,
// not by the lock.
type Session struct {
	mu          sync.Mutex
	step        model.Step
	answerKey   []model.FileRecord
	submissions []*model.Submission
	namePrefix  string
	processing  bool
	currentID   string
}

// New creates an empty session. namePrefix seeds default display names
// ("<prefix> N"); empty means "Student".
func New(namePrefix string) *Session {
	if namePrefix == "" {
		namePrefix = "Student"
	}
	return &Session{step: model.StepAnswerKey, namePrefix: namePrefix}
}

// Step returns the current workflow step.
func (s *Session) Step() model.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// SetStep performs a user-driven step change. Only the upload screens are
// reachable this way: Grading and Results are owned by the run.
func (s *Session) SetStep(step model.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return ErrBusy
	}
	switch step {
	case model.StepAnswerKey:
		s.step = step
	case model.StepSubmissions:
		if len(s.answerKey) == 0 {
			return ErrAnswerKeyRequired
		}
		s.step = step
	default:
		return ErrInvalidStep
	}
	return nil
}

// AddAnswerKey appends files to the answer-key set. No-op while a run is in
// flight: the key set is read-only during grading.
func (s *Session) AddAnswerKey(files ...model.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return
	}
	s.answerKey = append(s.answerKey, files...)
}

// RemoveAnswerKeyFile removes the answer-key file at index. No-op if the
// index is out of range or a run is in flight.
func (s *Session) RemoveAnswerKeyFile(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing || index < 0 || index >= len(s.answerKey) {
		return
	}
	s.answerKey = append(s.answerKey[:index], s.answerKey[index+1:]...)
}

// AnswerKey returns a copy of the answer-key file set.
func (s *Session) AnswerKey() []model.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FileRecord, len(s.answerKey))
	copy(out, s.answerKey)
	return out
}

// CreateSubmission appends a new pending submission and returns a snapshot
// of it. The default display name counts from the current list length, as
// shown to the user.
func (s *Session) CreateSubmission(files []model.FileRecord) model.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &model.Submission{
		ID:          uuid.NewString(),
		DisplayName: fmt.Sprintf("%s %d", s.namePrefix, len(s.submissions)+1),
		Files:       append([]model.FileRecord(nil), files...),
		Status:      model.StatusPending,
	}
	s.submissions = append(s.submissions, sub)
	return snapshot(sub)
}

// AddFiles appends files to an existing submission. Silent no-op if the id
// is unknown. Allowed in any status; a terminal submission keeps its result
// and is not re-graded.
func (s *Session) AddFiles(id string, files []model.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.find(id); sub != nil {
		sub.Files = append(sub.Files, files...)
	}
}

// RemoveFile removes the file at index from a submission. No-op if the id is
// unknown or the index is out of range.
func (s *Session) RemoveFile(id string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.find(id)
	if sub == nil || index < 0 || index >= len(sub.Files) {
		return
	}
	sub.Files = append(sub.Files[:index], sub.Files[index+1:]...)
}

// RemoveSubmission deletes a submission. No-op if the id is unknown.
func (s *Session) RemoveSubmission(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.submissions {
		if sub.ID == id {
			s.submissions = append(s.submissions[:i], s.submissions[i+1:]...)
			return
		}
	}
}

// Rename overrides a submission's display name. No-op if the id is unknown.
func (s *Session) Rename(id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.find(id); sub != nil {
		sub.DisplayName = name
	}
}

// SetStatus is the sole status mutator, used by the grading run. It keeps
// the result/error invariant: a result is attached iff Completed, an error
// iff Failed. On Completed the collaborator-extracted student name replaces
// the display name when non-empty. Silent no-op if the id is unknown.
func (s *Session) SetStatus(id string, status model.SubmissionStatus, result *model.GradingResult, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.find(id)
	if sub == nil {
		return
	}
	sub.Status = status
	sub.Result = nil
	sub.Error = ""
	switch status {
	case model.StatusProcessing:
		s.currentID = id
	case model.StatusCompleted:
		sub.Result = result
		if result != nil && result.StudentName != "" {
			sub.DisplayName = result.StudentName
		}
		if s.currentID == id {
			s.currentID = ""
		}
	case model.StatusFailed:
		sub.Error = errMsg
		if s.currentID == id {
			s.currentID = ""
		}
	}
}

// Submissions returns a snapshot of all submissions in insertion order.
// Attached results are shared read-only.
func (s *Session) Submissions() []model.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Submission, 0, len(s.submissions))
	for _, sub := range s.submissions {
		out = append(out, snapshot(sub))
	}
	return out
}

// Get returns a snapshot of one submission.
func (s *Session) Get(id string) (model.Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub := s.find(id); sub != nil {
		return snapshot(sub), true
	}
	return model.Submission{}, false
}

// BeginRun claims the single grading slot and moves the session to the
// grading step. Returns false if a run is already in flight.
func (s *Session) BeginRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	s.step = model.StepGrading
	return true
}

// EndRun releases the grading slot and moves the session to the results
// step.
func (s *Session) EndRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.currentID = ""
	s.step = model.StepResults
}

// Processing reports whether a grading run is in flight.
func (s *Session) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// CurrentID returns the id of the submission being graded right now, or
// empty.
func (s *Session) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// Reset discards the answer key and all submissions and returns to the
// first step. No-op while a run is in flight.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return
	}
	s.step = model.StepAnswerKey
	s.answerKey = nil
	s.submissions = nil
	s.currentID = ""
}

func (s *Session) find(id string) *model.Submission {
	for _, sub := range s.submissions {
		if sub.ID == id {
			return sub
		}
	}
	return nil
}

func snapshot(sub *model.Submission) model.Submission {
	out := *sub
	out.Files = append([]model.FileRecord(nil), sub.Files...)
	return out
}
