package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sor-automation-api/internal/dto"
	"github.com/noah-isme/sor-automation-api/internal/models"
	appErrors "github.com/noah-isme/sor-automation-api/pkg/errors"
	"github.com/noah-isme/sor-automation-api/pkg/export"
	"github.com/noah-isme/sor-automation-api/pkg/storage"
)

const pdfContentType = "application/pdf"

type statementRenderer interface {
	Render(st export.Statement) ([]byte, error)
}

type urlSigner interface {
	Generate(requestID, location string) (string, time.Time, error)
	Parse(token string) (requestID, location string, expiresAt time.Time, err error)
}

// DocumentConfig carries the fixed statement details and link settings.
type DocumentConfig struct {
	APIPrefix          string
	Qualification      export.Qualification
	ProviderName       string
	Accreditation      string
	CompetentThreshold float64
}

// DocumentService renders statements and moves them in and out of artifact storage.
type DocumentService struct {
	store    storage.ArtifactStore
	renderer statementRenderer
	signer   urlSigner
	cfg      DocumentConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewDocumentService constructs a DocumentService.
func NewDocumentService(store storage.ArtifactStore, renderer statementRenderer, signer urlSigner, cfg DocumentConfig, logger *zap.Logger) *DocumentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if renderer == nil {
		renderer = export.NewStatementRenderer()
	}
	if cfg.CompetentThreshold <= 0 {
		cfg.CompetentThreshold = 70
	}
	return &DocumentService{store: store, renderer: renderer, signer: signer, cfg: cfg, logger: logger, now: time.Now}
}

// RenderAndStore renders the request's statement and stores it, returning the location.
func (s *DocumentService) RenderAndStore(ctx context.Context, req *models.SORRequest) (string, error) {
	st := export.Statement{
		Reference:          req.ID,
		LearnerID:          req.LearnerID,
		LearnerName:        req.LearnerName,
		LearnerEmail:       req.LearnerEmail,
		IssuedAt:           s.now().UTC(),
		Qualification:      s.cfg.Qualification,
		ProviderName:       s.cfg.ProviderName,
		Accreditation:      s.cfg.Accreditation,
		Overall:            req.OverallScore,
		CompetentThreshold: s.cfg.CompetentThreshold,
	}
	for _, sc := range req.Scores {
		st.Components = append(st.Components, export.Component{
			Topic:      sc.Topic,
			RawScore:   sc.RawScore,
			MaxScore:   sc.MaxScore,
			Percentage: sc.Percentage,
		})
	}

	payload, err := s.renderer.Render(st)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render statement")
	}

	location, err := s.store.Save(ctx, statementKey(req, false), payload, pdfContentType)
	if err != nil {
		return "", appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, "failed to store statement")
	}
	return location, nil
}

// StoreSigned stores the signed copy next to the generated statement.
func (s *DocumentService) StoreSigned(ctx context.Context, req *models.SORRequest, data []byte) (string, error) {
	location, err := s.store.Save(ctx, statementKey(req, true), data, pdfContentType)
	if err != nil {
		return "", appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, "failed to store signed statement")
	}
	return location, nil
}

// Load reads a stored document fully.
func (s *DocumentService) Load(ctx context.Context, location string) ([]byte, error) {
	rc, err := s.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, "failed to read stored statement")
	}
	return data, nil
}

// Open streams a stored document.
func (s *DocumentService) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	rc, err := s.store.Open(ctx, location)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "stored statement not found")
		}
		return nil, appErrors.WrapAs(appErrors.ErrConnectorUnavailable, err, "failed to open stored statement")
	}
	return rc, nil
}

// Link signs an expiring download link for location. A nil location yields nil.
func (s *DocumentService) Link(requestID string, location *string) *dto.ArtifactLink {
	if location == nil || *location == "" || s.signer == nil {
		return nil
	}
	token, expiresAt, err := s.signer.Generate(requestID, *location)
	if err != nil {
		s.logger.Warn("failed to sign artifact link", zap.String("request_id", requestID), zap.Error(err))
		return nil
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	return &dto.ArtifactLink{URL: fmt.Sprintf("%s/artifacts/%s", prefix, token), ExpiresAt: expiresAt}
}

// ResolveToken validates a download token and returns the document location and file name.
func (s *DocumentService) ResolveToken(token string) (location, filename string, err error) {
	if s.signer == nil {
		return "", "", appErrors.Clone(appErrors.ErrNotFound, "artifact downloads are disabled")
	}
	requestID, location, _, err := s.signer.Parse(token)
	if err != nil {
		return "", "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download link")
	}
	name := "SOR_" + requestID + ".pdf"
	if strings.HasSuffix(location, signedSuffix) {
		name = "SOR_" + requestID + signedSuffix
	}
	return location, name, nil
}

const signedSuffix = "_SIGNED.pdf"

func statementKey(req *models.SORRequest, signed bool) string {
	base := fmt.Sprintf("%s/SOR_%s_%s", sanitizeFilename(req.LearnerID), sanitizeFilename(req.LearnerName), req.ID)
	if signed {
		return base + signedSuffix
	}
	return base + ".pdf"
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
