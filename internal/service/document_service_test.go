package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/export"
	"github.com/noah-isme/sor-automation-api/pkg/storage"
)

type capturingRenderer struct {
	statement export.Statement
	err       error
}

func (r *capturingRenderer) Render(st export.Statement) ([]byte, error) {
	r.statement = st
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-1.3 statement"), nil
}

func newDocumentFixture(t *testing.T, renderer statementRenderer) *DocumentService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	signer := storage.NewSignedURLSigner("test-secret", time.Hour)
	return NewDocumentService(store, renderer, signer, DocumentConfig{
		APIPrefix:     "/api/v1/",
		Qualification: export.Qualification{Title: "Occupational Certificate", SAQAID: "101869", NQFLevel: 4, Credits: 120},
		ProviderName:  "Training Provider",
	}, nil)
}

func sampleRequest() *models.SORRequest {
	overall := 80.0
	return &models.SORRequest{
		ID:           "5a0c7f3e-6c1e-4d7a-9a53-0b8f1b2c3d4e",
		LearnerID:    "42",
		LearnerName:  "Jane Doe",
		OverallScore: &overall,
		Scores: models.TopicScores{
			{QuizID: 1, Topic: "Safety", RawScore: 8, MaxScore: 10, Percentage: 80},
		},
	}
}

func TestDocumentServiceRenderAndStore(t *testing.T) {
	renderer := &capturingRenderer{}
	svc := newDocumentFixture(t, renderer)
	req := sampleRequest()

	location, err := svc.RenderAndStore(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "42/SOR_Jane_Doe_"+req.ID+".pdf", location)

	assert.Equal(t, "Jane Doe", renderer.statement.LearnerName)
	assert.Equal(t, req.ID, renderer.statement.Reference)
	assert.Equal(t, 70.0, renderer.statement.CompetentThreshold)
	require.Len(t, renderer.statement.Components, 1)
	assert.Equal(t, "Safety", renderer.statement.Components[0].Topic)

	data, err := svc.Load(context.Background(), location)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.3 statement"), data)

	signed, err := svc.StoreSigned(context.Background(), req, []byte("signed"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(signed, "_SIGNED.pdf"))
}

func TestDocumentServiceRenderFailure(t *testing.T) {
	svc := newDocumentFixture(t, &capturingRenderer{err: errors.New("font missing")})

	_, err := svc.RenderAndStore(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, appErrors.ErrInternal)
}

func TestDocumentServiceMissingArtifact(t *testing.T) {
	svc := newDocumentFixture(t, &capturingRenderer{})

	_, err := svc.Load(context.Background(), "42/missing.pdf")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestDocumentServiceLinksResolve(t *testing.T) {
	svc := newDocumentFixture(t, &capturingRenderer{})
	req := sampleRequest()
	location := "42/SOR_Jane_Doe_" + req.ID + "_SIGNED.pdf"

	assert.Nil(t, svc.Link(req.ID, nil))

	link := svc.Link(req.ID, &location)
	require.NotNil(t, link)
	require.True(t, strings.HasPrefix(link.URL, "/api/v1/artifacts/"))
	assert.True(t, link.ExpiresAt.After(time.Now()))

	token := strings.TrimPrefix(link.URL, "/api/v1/artifacts/")
	resolved, filename, err := svc.ResolveToken(token)
	require.NoError(t, err)
	assert.Equal(t, location, resolved)
	assert.Equal(t, "SOR_"+req.ID+"_SIGNED.pdf", filename)

	_, _, err = svc.ResolveToken(token + "x")
	assert.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestDocumentServiceRealRenderer(t *testing.T) {
	svc := newDocumentFixture(t, nil)

	location, err := svc.RenderAndStore(context.Background(), sampleRequest())
	require.NoError(t, err)
	data, err := svc.Load(context.Background(), location)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
}
