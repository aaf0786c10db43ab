package i18n

import (
	"context"
	"testing"
)

func initTest(t *testing.T, lang string) {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
}

func TestTranslations(t *testing.T) {
	initTest(t, "vi")

	tests := []struct {
		lang  string
		msgID string
		want  string
	}{
		{"vi", "ColIndex", "STT"},
		{"vi", "StudentPrefix", "Học sinh"},
		{"en", "ColIndex", "No."},
		{"en", "StudentPrefix", "Student"},
	}
	for _, tt := range tests {
		ctx := WithLocalizer(context.Background(), NewLocalizer(tt.lang))
		if got := T(ctx, tt.msgID); got != tt.want {
			t.Errorf("T(%s, %s) = %q, want %q", tt.lang, tt.msgID, got, tt.want)
		}
	}
}

func TestTemplateData(t *testing.T) {
	initTest(t, "vi")
	ctx := WithLocalizer(context.Background(), NewLocalizer("vi"))

	got := Td(ctx, "ColQuestionScore", map[string]any{"Question": "Câu 3"})
	if got != "Câu 3 (Điểm)" {
		t.Errorf("Td = %q", got)
	}
	got = Td(ctx, "ColQuestionFeedback", map[string]any{"Question": "Câu 3"})
	if got != "Câu 3 (Nhận xét)" {
		t.Errorf("Td = %q", got)
	}
}

func TestPlural(t *testing.T) {
	initTest(t, "vi")

	ctx := WithLocalizer(context.Background(), NewLocalizer("en"))
	if got := Tp(ctx, "GradedCount", 1); got != "1 paper graded." {
		t.Errorf("Tp(1) = %q", got)
	}
	if got := Tp(ctx, "GradedCount", 3); got != "3 papers graded." {
		t.Errorf("Tp(3) = %q", got)
	}

	ctx = WithLocalizer(context.Background(), NewLocalizer("vi"))
	if got := Tp(ctx, "GradedCount", 3); got != "Đã chấm xong 3 bài." {
		t.Errorf("Tp vi = %q", got)
	}
}

func TestMissingKeyFallsBackToID(t *testing.T) {
	initTest(t, "vi")
	ctx := WithLocalizer(context.Background(), NewLocalizer("vi"))
	if got := T(ctx, "NoSuchKey"); got != "NoSuchKey" {
		t.Errorf("missing key = %q, want the id itself", got)
	}
}

func TestContextFallback(t *testing.T) {
	initTest(t, "vi")
	// No localizer in context: Vietnamese is the fallback.
	if got := T(context.Background(), "ColIndex"); got != "STT" {
		t.Errorf("fallback = %q, want %q", got, "STT")
	}
}
