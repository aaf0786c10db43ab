// Package export aggregates completed grading results into tabular exports.
// Both builders are pure functions of a submission snapshot: the same
// snapshot always yields the same table.
package export

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/hoangtnm/gradepaper/internal/i18n"
	"github.com/hoangtnm/gradepaper/internal/model"
)

// Fixed download filenames, detailed and brief variants.
const (
	DetailedFilename = "ket_qua_chi_tiet.csv"
	BriefFilename    = "ket_qua_van_tat.csv"
)

// Table is a header row plus data rows, one per completed submission.
type Table struct {
	Header []string
	Rows   [][]string
}

// Empty reports whether the table has no data rows. Empty tables produce no
// export file.
func (t Table) Empty() bool {
	return len(t.Rows) == 0
}

// QuestionUnion returns the distinct question ids across every completed
// submission's result, sorted lexicographically. The order of the input does
// not affect the output, which keeps export columns stable regardless of
// grading order or per-student question subsets.
func QuestionUnion(subs []model.Submission) []string {
	set := make(map[string]struct{})
	for _, sub := range completed(subs) {
		for _, qs := range sub.Result.QuestionScores {
			set[qs.QuestionID] = struct{}{}
		}
	}
	ids := lo.Keys(set)
	sort.Strings(ids)
	return ids
}

// DetailTable builds the full export: index, name, total, max, general
// feedback, then a score and a feedback column per question in the union.
// A student who was not scored on a question gets empty cells there, which
// is distinct from scoring zero.
func DetailTable(ctx context.Context, subs []model.Submission) Table {
	comp := completed(subs)
	union := QuestionUnion(subs)

	header := []string{
		i18n.T(ctx, "ColIndex"),
		i18n.T(ctx, "ColStudentName"),
		i18n.T(ctx, "ColTotalScore"),
		i18n.T(ctx, "ColMaxScore"),
		i18n.T(ctx, "ColGeneralFeedback"),
	}
	for _, q := range union {
		header = append(header,
			i18n.Td(ctx, "ColQuestionScore", map[string]any{"Question": q}),
			i18n.Td(ctx, "ColQuestionFeedback", map[string]any{"Question": q}),
		)
	}

	rows := make([][]string, 0, len(comp))
	for i, sub := range comp {
		r := sub.Result
		row := []string{
			strconv.Itoa(i + 1),
			exportName(sub),
			formatScore(r.TotalScore),
			formatScore(r.MaxTotalScore),
			r.GeneralFeedback,
		}
		byID := scoreIndex(r)
		for _, q := range union {
			if qs, ok := byID[q]; ok {
				row = append(row, formatScore(qs.Score), qs.Feedback)
			} else {
				row = append(row, "", "")
			}
		}
		rows = append(rows, row)
	}
	return Table{Header: header, Rows: rows}
}

// BriefTable builds the scores-only export: index, name, total, then one
// score column per question in the union, headed by the bare question id.
func BriefTable(ctx context.Context, subs []model.Submission) Table {
	comp := completed(subs)
	union := QuestionUnion(subs)

	header := []string{
		i18n.T(ctx, "ColIndex"),
		i18n.T(ctx, "ColStudentName"),
		i18n.T(ctx, "ColTotalScore"),
	}
	header = append(header, union...)

	rows := make([][]string, 0, len(comp))
	for i, sub := range comp {
		r := sub.Result
		row := []string{
			strconv.Itoa(i + 1),
			exportName(sub),
			formatScore(r.TotalScore),
		}
		byID := scoreIndex(r)
		for _, q := range union {
			if qs, ok := byID[q]; ok {
				row = append(row, formatScore(qs.Score))
			} else {
				row = append(row, "")
			}
		}
		rows = append(rows, row)
	}
	return Table{Header: header, Rows: rows}
}

// EncodeCSV renders a table as the download format: UTF-8 with a byte-order
// mark, every value double-quoted, rows separated by \n. encoding/csv is not
// used because it quotes only when required and emits \r\n, neither of which
// matches the sheet-import format the tool has always produced.
func EncodeCSV(t Table) []byte {
	var sb strings.Builder
	sb.WriteString("\uFEFF")
	writeRow(&sb, t.Header)
	for _, row := range t.Rows {
		sb.WriteByte('\n')
		writeRow(&sb, row)
	}
	return []byte(sb.String())
}

func writeRow(sb *strings.Builder, row []string) {
	for i, v := range row {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(v, `"`, `""`))
		sb.WriteByte('"')
	}
}

func completed(subs []model.Submission) []model.Submission {
	return lo.Filter(subs, func(sub model.Submission, _ int) bool {
		return sub.Status == model.StatusCompleted && sub.Result != nil
	})
}

// exportName prefers the name the collaborator extracted from the paper.
func exportName(sub model.Submission) string {
	if sub.Result.StudentName != "" {
		return sub.Result.StudentName
	}
	return sub.DisplayName
}

// scoreIndex maps question id to its score, keeping the first occurrence.
func scoreIndex(r *model.GradingResult) map[string]model.QuestionScore {
	byID := make(map[string]model.QuestionScore, len(r.QuestionScores))
	for _, qs := range r.QuestionScores {
		if _, ok := byID[qs.QuestionID]; !ok {
			byID[qs.QuestionID] = qs
		}
	}
	return byID
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
