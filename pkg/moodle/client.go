package moodle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
)

const (
	restPath   = "/webservice/rest/server.php"
	uploadPath = "/webservice/upload.php"

	defaultTimeout = 30 * time.Second
)

// Config describes how to reach a Moodle web service.
type Config struct {
	BaseURL        string
	Token          string
	CourseID       int
	AssignmentCMID int
	Timeout        time.Duration
	HTTPClient     *http.Client
}

// Client talks to the Moodle REST web service API.
type Client struct {
	baseURL        string
	token          string
	courseID       int
	assignmentCMID int
	http           *http.Client

	mu         sync.Mutex
	assignment *Assignment
}

// APIError is the exception payload Moodle returns with HTTP 200.
type APIError struct {
	Function  string `json:"-"`
	Exception string `json:"exception"`
	ErrorCode string `json:"errorcode"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moodle %s: %s (%s)", e.Function, e.Message, e.ErrorCode)
}

// QuizGrade is a graded quiz item from the learner's course grade report.
type QuizGrade struct {
	ItemID   int     `json:"id"`
	Instance int     `json:"iteminstance"`
	Name     string  `json:"itemname"`
	Module   string  `json:"itemmodule"`
	Raw      float64 `json:"-"`
	Max      float64 `json:"grademax"`
}

// User is the subset of a Moodle user record used for validation.
type User struct {
	ID        int    `json:"id"`
	FullName  string `json:"fullname"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
	Email     string `json:"email"`
}

// Assignment identifies the SOR assignment activity.
type Assignment struct {
	ID       int     `json:"id"`
	CMID     int     `json:"cmid"`
	CourseID int     `json:"course"`
	Name     string  `json:"name"`
	MaxGrade float64 `json:"grade"`
}

// Upload is a file pushed into a learner's submission.
type Upload struct {
	UserID      string
	LearnerName string
	FileName    string
	Data        []byte
}

// UploadResult reports where the file landed.
type UploadResult struct {
	DraftItemID  int `json:"draftitemid"`
	SubmissionID int `json:"submissionid"`
}

// Grade is an already-scaled grade write.
type Grade struct {
	UserID   string
	Grade    float64
	Feedback string
}

// UngradedSubmission is a submitted but ungraded learner.
type UngradedSubmission struct {
	UserID         int    `json:"userid"`
	FullName       string `json:"fullname"`
	Email          string `json:"email"`
	SubmissionTime int64  `json:"submissiontime"`
}

// GradingStatus summarises grading progress for the SOR assignment.
type GradingStatus struct {
	TotalSubmissions    int                  `json:"totalSubmissions"`
	Graded              int                  `json:"graded"`
	Ungraded            int                  `json:"ungraded"`
	PercentageGraded    float64              `json:"percentageGraded"`
	UngradedSubmissions []UngradedSubmission `json:"ungradedSubmissions"`
}

// NewClient builds a Moodle client.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.Token,
		courseID:       cfg.CourseID,
		assignmentCMID: cfg.AssignmentCMID,
		http:           httpClient,
	}
}

// QuizGrades returns the learner's graded quiz items in the configured course.
// Items without a raw grade (not attempted or not yet graded) are skipped.
func (c *Client) QuizGrades(ctx context.Context, learnerID string) ([]QuizGrade, error) {
	userID, err := parseUserID(learnerID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("courseid", strconv.Itoa(c.courseID))
	params.Set("userid", strconv.Itoa(userID))

	var payload struct {
		UserGrades []struct {
			GradeItems []struct {
				QuizGrade
				GradeRaw *float64 `json:"graderaw"`
			} `json:"gradeitems"`
		} `json:"usergrades"`
	}
	if err := c.call(ctx, "gradereport_user_get_grade_items", params, &payload); err != nil {
		return nil, err
	}

	var grades []QuizGrade
	for _, ug := range payload.UserGrades {
		for _, item := range ug.GradeItems {
			if item.Module != "quiz" || item.GradeRaw == nil {
				continue
			}
			g := item.QuizGrade
			g.Raw = *item.GradeRaw
			grades = append(grades, g)
		}
	}
	return grades, nil
}

// User looks up a user by id.
func (c *Client) User(ctx context.Context, learnerID string) (*User, error) {
	userID, err := parseUserID(learnerID)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("criteria[0][key]", "id")
	params.Set("criteria[0][value]", strconv.Itoa(userID))

	var payload struct {
		Users []User `json:"users"`
	}
	if err := c.call(ctx, "core_user_get_users", params, &payload); err != nil {
		return nil, err
	}
	if len(payload.Users) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("moodle user %d not found", userID))
	}
	return &payload.Users[0], nil
}

// Assignment resolves the configured assignment course module. The result is cached.
func (c *Client) Assignment(ctx context.Context) (*Assignment, error) {
	c.mu.Lock()
	cached := c.assignment
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	params := url.Values{}
	params.Set("courseids[0]", strconv.Itoa(c.courseID))

	var payload struct {
		Courses []struct {
			Assignments []Assignment `json:"assignments"`
		} `json:"courses"`
	}
	if err := c.call(ctx, "mod_assign_get_assignments", params, &payload); err != nil {
		return nil, err
	}

	for _, course := range payload.Courses {
		for _, a := range course.Assignments {
			if a.CMID != c.assignmentCMID {
				continue
			}
			found := a
			c.mu.Lock()
			c.assignment = &found
			c.mu.Unlock()
			return &found, nil
		}
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("assignment with course module %d not found", c.assignmentCMID))
}

// UploadSubmission uploads a file to the draft area and attaches it to the learner's submission.
func (c *Client) UploadSubmission(ctx context.Context, in Upload) (*UploadResult, error) {
	userID, err := parseUserID(in.UserID)
	if err != nil {
		return nil, err
	}
	assignment, err := c.Assignment(ctx)
	if err != nil {
		return nil, err
	}

	itemID, err := c.uploadDraft(ctx, in.FileName, in.Data)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("assignmentid", strconv.Itoa(assignment.ID))
	params.Set("userid", strconv.Itoa(userID))
	params.Set("draftitemid", strconv.Itoa(itemID))
	params.Set("learnername", in.LearnerName)

	var payload struct {
		Success      bool   `json:"success"`
		SubmissionID int    `json:"submissionid"`
		Message      string `json:"message"`
	}
	if err := c.call(ctx, "local_sor_submit_sor_file", params, &payload); err != nil {
		return nil, err
	}
	if !payload.Success {
		return nil, appErrors.Clone(appErrors.ErrUpstreamRejected, "moodle rejected submission: "+payload.Message)
	}
	return &UploadResult{DraftItemID: itemID, SubmissionID: payload.SubmissionID}, nil
}

// SaveGrade writes a grade and feedback comment for the learner and releases it.
func (c *Client) SaveGrade(ctx context.Context, in Grade) error {
	userID, err := parseUserID(in.UserID)
	if err != nil {
		return err
	}
	assignment, err := c.Assignment(ctx)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("assignmentid", strconv.Itoa(assignment.ID))
	params.Set("userid", strconv.Itoa(userID))
	params.Set("grade", strconv.FormatFloat(in.Grade, 'f', 2, 64))
	params.Set("attemptnumber", "-1")
	params.Set("addattempt", "0")
	params.Set("workflowstate", "released")
	params.Set("applytoall", "0")
	params.Set("plugindata[assignfeedbackcomments_editor][text]", in.Feedback)
	params.Set("plugindata[assignfeedbackcomments_editor][format]", "1")

	return c.call(ctx, "mod_assign_save_grade", params, nil)
}

// ReleaseGrade sets the marking workflow state to released for the learner.
func (c *Client) ReleaseGrade(ctx context.Context, learnerID string) error {
	userID, err := parseUserID(learnerID)
	if err != nil {
		return err
	}
	assignment, err := c.Assignment(ctx)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("assignmentid", strconv.Itoa(assignment.ID))
	params.Set("userids[0]", strconv.Itoa(userID))

	var payload struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := c.call(ctx, "local_sor_release_grades", params, &payload); err != nil {
		return err
	}
	if !payload.Success {
		return appErrors.Clone(appErrors.ErrUpstreamRejected, "moodle did not release grade: "+payload.Message)
	}
	return nil
}

// GradingStatus reports submission and grading counts for the assignment.
func (c *Client) GradingStatus(ctx context.Context) (*GradingStatus, error) {
	assignment, err := c.Assignment(ctx)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("assignmentid", strconv.Itoa(assignment.ID))

	var payload struct {
		TotalSubmissions    int                  `json:"totalsubmissions"`
		Graded              int                  `json:"graded"`
		Ungraded            int                  `json:"ungraded"`
		PercentageGraded    float64              `json:"percentagegraded"`
		UngradedSubmissions []UngradedSubmission `json:"ungradedsubmissions"`
	}
	if err := c.call(ctx, "local_sor_get_grading_status", params, &payload); err != nil {
		return nil, err
	}
	return &GradingStatus{
		TotalSubmissions:    payload.TotalSubmissions,
		Graded:              payload.Graded,
		Ungraded:            payload.Ungraded,
		PercentageGraded:    payload.PercentageGraded,
		UngradedSubmissions: payload.UngradedSubmissions,
	}, nil
}

func (c *Client) call(ctx context.Context, function string, params url.Values, out any) error {
	form := url.Values{}
	for k, v := range params {
		form[k] = v
	}
	form.Set("wstoken", c.token)
	form.Set("wsfunction", function)
	form.Set("moodlewsrestformat", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+restPath, strings.NewReader(form.Encode()))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build moodle request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req, function)
	if err != nil {
		return err
	}
	if apiErr := parseAPIError(body); apiErr != nil {
		apiErr.Function = function
		return classify(apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return appErrors.WrapAs(appErrors.ErrUpstreamRejected, err, fmt.Sprintf("unexpected response from moodle %s", function))
	}
	return nil
}

func (c *Client) uploadDraft(ctx context.Context, fileName string, data []byte) (int, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	_ = writer.WriteField("token", c.token)
	_ = writer.WriteField("filearea", "draft")
	_ = writer.WriteField("itemid", "0")
	part, err := writer.CreateFormFile("file_1", fileName)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build moodle upload")
	}
	if _, err := part.Write(data); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build moodle upload")
	}
	if err := writer.Close(); err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build moodle upload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadPath, &buf)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build moodle upload")
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := c.do(req, "upload")
	if err != nil {
		return 0, err
	}

	var files []struct {
		ItemID int `json:"itemid"`
	}
	if err := json.Unmarshal(body, &files); err != nil || len(files) == 0 {
		var uploadErr struct {
			Error     string `json:"error"`
			ErrorCode string `json:"errorcode"`
		}
		if json.Unmarshal(body, &uploadErr) == nil && uploadErr.ErrorCode != "" {
			return 0, classify(&APIError{Function: "upload", ErrorCode: uploadErr.ErrorCode, Message: uploadErr.Error})
		}
		return 0, appErrors.Clone(appErrors.ErrUpstreamRejected, "moodle upload returned no draft item")
	}
	return files[0].ItemID, nil
}

func (c *Client) do(req *http.Request, function string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, fmt.Sprintf("moodle %s unreachable", function))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, fmt.Sprintf("moodle %s read failed", function))
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, appErrors.Clone(appErrors.ErrConnectorUnavailable, fmt.Sprintf("moodle %s returned %d", function, resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, appErrors.Clone(appErrors.ErrPermissionDenied, fmt.Sprintf("moodle %s returned %d", function, resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, appErrors.Clone(appErrors.ErrUpstreamRejected, fmt.Sprintf("moodle %s returned %d", function, resp.StatusCode))
	}
	return body, nil
}

func parseAPIError(body []byte) *APIError {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var apiErr APIError
	if err := json.Unmarshal(trimmed, &apiErr); err != nil || apiErr.Exception == "" {
		return nil
	}
	return &apiErr
}

func classify(apiErr *APIError) error {
	switch apiErr.ErrorCode {
	case "nopermissions", "required_capability_exception", "invalidtoken", "accessexception", "usernotfullysetup":
		return appErrors.WrapAs(appErrors.ErrPermissionDenied, apiErr, apiErr.Error())
	case "invalidrecord", "invaliduser", "invalidrecordunknown":
		return appErrors.WrapAs(appErrors.ErrNotFound, apiErr, apiErr.Error())
	case "invalidparameter":
		return appErrors.WrapAs(appErrors.ErrUpstreamRejected, apiErr, apiErr.Error())
	}
	return appErrors.WrapAs(appErrors.ErrConnectorUnavailable, apiErr, apiErr.Error())
}

func parseUserID(raw string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || id <= 0 {
		return 0, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid moodle user id %q", raw))
	}
	return id, nil
}
