package store

import (
	"testing"
	"time"

	"github.com/hoangtnm/gradepaper/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun() model.RunRecord {
	started := time.Now().Add(-time.Minute)
	return model.RunRecord{
		StartedAt:  started,
		FinishedAt: started.Add(30 * time.Second),
		Results: []model.RunResult{
			{
				Position:    1,
				DisplayName: "Nguyễn Văn A",
				Status:      model.StatusCompleted,
				Result: &model.GradingResult{
					StudentName:   "Nguyễn Văn A",
					TotalScore:    8.5,
					MaxTotalScore: 10,
					QuestionScores: []model.QuestionScore{
						{QuestionID: "Câu 1", Score: 8.5, MaxScore: 10, Feedback: "tốt"},
					},
					GeneralFeedback: "khá",
				},
			},
			{
				Position:    2,
				DisplayName: "Học sinh 2",
				Status:      model.StatusFailed,
				Error:       "model unreachable",
			},
		},
	}
}

func TestRecordAndGetRun(t *testing.T) {
	s := newTestStore(t)

	id, err := s.RecordRun(testRun())
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if id == 0 {
		t.Fatal("run id should be non-zero")
	}

	got, err := s.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if len(got.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(got.Results))
	}

	first := got.Results[0]
	if first.Position != 1 || first.Status != model.StatusCompleted {
		t.Errorf("first result: %+v", first)
	}
	if first.Result == nil || first.Result.TotalScore != 8.5 {
		t.Errorf("first result payload: %+v", first.Result)
	}
	if len(first.Result.QuestionScores) != 1 || first.Result.QuestionScores[0].QuestionID != "Câu 1" {
		t.Errorf("question scores: %+v", first.Result.QuestionScores)
	}

	second := got.Results[1]
	if second.Status != model.StatusFailed || second.Error != "model unreachable" {
		t.Errorf("second result: %+v", second)
	}
	if second.Result != nil {
		t.Error("failed result should have no payload")
	}
}

func TestRunOrderingAndLatest(t *testing.T) {
	s := newTestStore(t)

	latest, err := s.LatestRunID()
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if latest != 0 {
		t.Errorf("latest on empty archive = %d, want 0", latest)
	}

	first, err := s.RecordRun(testRun())
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	second, err := s.RecordRun(testRun())
	if err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	latest, err = s.LatestRunID()
	if err != nil {
		t.Fatalf("LatestRunID: %v", err)
	}
	if latest != second {
		t.Errorf("latest = %d, want %d", latest, second)
	}

	runs, err := s.ListRuns()
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != second || runs[1].ID != first {
		t.Errorf("runs = %+v, want newest first", runs)
	}

	count, err := s.RunCount()
	if err != nil {
		t.Fatalf("RunCount: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestGetRunMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun(42); err == nil {
		t.Error("GetRun on missing id should fail")
	}
}

func TestAuthSessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	token, err := s.CreateAuthSession()
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}
	if token == "" {
		t.Fatal("token should be non-empty")
	}

	sess, err := s.GetAuthSession(token)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess == nil || sess.ID != token {
		t.Fatalf("session = %+v", sess)
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Error("session should expire after creation")
	}

	if err := s.DeleteAuthSession(token); err != nil {
		t.Fatalf("DeleteAuthSession: %v", err)
	}
	sess, err = s.GetAuthSession(token)
	if err != nil {
		t.Fatalf("GetAuthSession after delete: %v", err)
	}
	if sess != nil {
		t.Error("deleted session should not resolve")
	}
}

func TestAuthSessionUnknownToken(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.GetAuthSession("no-such-token")
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess != nil {
		t.Errorf("unknown token resolved: %+v", sess)
	}
}

func TestAuthSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	token, err := s.CreateAuthSession()
	if err != nil {
		t.Fatalf("CreateAuthSession: %v", err)
	}

	// Backdate the session past its TTL.
	_, err = s.db.Exec(`UPDATE auth_sessions SET expires_at = ? WHERE id = ?`,
		time.Now().Add(-time.Hour), token)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}

	sess, err := s.GetAuthSession(token)
	if err != nil {
		t.Fatalf("GetAuthSession: %v", err)
	}
	if sess != nil {
		t.Error("expired session should not resolve")
	}

	if err := s.CleanupExpiredSessions(); err != nil {
		t.Fatalf("CleanupExpiredSessions: %v", err)
	}
}
