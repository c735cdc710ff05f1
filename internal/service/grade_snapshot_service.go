package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/moodle"
)

type gradeSource interface {
	QuizGrades(ctx context.Context, learnerID string) ([]moodle.QuizGrade, error)
	User(ctx context.Context, learnerID string) (*moodle.User, error)
}

// GradeSnapshot is the normalized score summary captured when a request is created.
type GradeSnapshot struct {
	LearnerID   string             `json:"learnerId"`
	LearnerName string             `json:"learnerName"`
	LMSName     string             `json:"lmsName,omitempty"`
	LMSEmail    string             `json:"lmsEmail,omitempty"`
	NameMatched bool               `json:"nameMatched"`
	Scores      models.TopicScores `json:"scores"`
	Overall     *float64           `json:"overall"`
}

// GradeSnapshotService turns raw LMS quiz results into a grade snapshot.
type GradeSnapshotService struct {
	source gradeSource
	logger *zap.Logger
}

// NewGradeSnapshotService constructs the snapshot fetcher.
func NewGradeSnapshotService(source gradeSource, logger *zap.Logger) *GradeSnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradeSnapshotService{source: source, logger: logger}
}

// Fetch returns the learner's completed quizzes and their mean percentage. name is
// only compared against the LMS user record; a mismatch is reported, not rejected.
func (s *GradeSnapshotService) Fetch(ctx context.Context, learnerID, name string) (*GradeSnapshot, error) {
	learnerID = strings.TrimSpace(learnerID)
	if learnerID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "learnerId is required")
	}

	grades, err := s.source.QuizGrades(ctx, learnerID)
	if err != nil {
		return nil, classifyConnectorError(err, "failed to fetch quiz grades")
	}

	scores := NormalizeScores(grades)
	if len(scores) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNoGradesFound, fmt.Sprintf("learner %s has no completed quizzes", learnerID))
	}

	snapshot := &GradeSnapshot{
		LearnerID:   learnerID,
		LearnerName: strings.TrimSpace(name),
		NameMatched: true,
		Scores:      scores,
		Overall:     OverallPercentage(scores),
	}

	if snapshot.LearnerName != "" {
		user, err := s.source.User(ctx, learnerID)
		if err != nil {
			return nil, classifyConnectorError(err, "failed to fetch learner record")
		}
		snapshot.LMSName = user.FullName
		snapshot.LMSEmail = user.Email
		snapshot.NameMatched = NamesMatch(snapshot.LearnerName, user.FullName)
		if !snapshot.NameMatched {
			s.logger.Sugar().Warnw("learner name does not match lms record",
				"learner_id", learnerID, "given", snapshot.LearnerName, "lms", user.FullName)
		}
	}
	return snapshot, nil
}

// NormalizeScores converts quiz grades into per-topic percentages rounded to two decimals.
func NormalizeScores(grades []moodle.QuizGrade) models.TopicScores {
	scores := make(models.TopicScores, 0, len(grades))
	hundred := decimal.NewFromInt(100)
	for _, g := range grades {
		pct := decimal.Zero
		if g.Max > 0 {
			pct = decimal.NewFromFloat(g.Raw).Div(decimal.NewFromFloat(g.Max)).Mul(hundred).Round(2)
		}
		scores = append(scores, models.TopicScore{
			QuizID:     g.Instance,
			Topic:      strings.TrimSpace(g.Name),
			RawScore:   g.Raw,
			MaxScore:   g.Max,
			Percentage: pct.InexactFloat64(),
		})
	}
	return scores
}

// OverallPercentage is the simple mean of topic percentages rounded to one decimal, or nil when empty.
func OverallPercentage(scores models.TopicScores) *float64 {
	if len(scores) == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, sc := range scores {
		sum = sum.Add(decimal.NewFromFloat(sc.Percentage))
	}
	mean := sum.Div(decimal.NewFromInt(int64(len(scores)))).Round(1).InexactFloat64()
	return &mean
}

// NamesMatch compares display names ignoring case, punctuation and word order. A name
// whose words are all contained in the other also matches.
func NamesMatch(a, b string) bool {
	ta, tb := nameTokens(a), nameTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	if len(ta) > len(tb) {
		ta, tb = tb, ta
	}
	set := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		set[t] = struct{}{}
	}
	for _, t := range ta {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func nameTokens(raw string) []string {
	return strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func classifyConnectorError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, message)
}
