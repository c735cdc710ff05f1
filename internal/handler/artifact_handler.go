package handler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sor-automation-api/pkg/response"
)

type artifactSource interface {
	ResolveToken(token string) (location, filename string, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// ArtifactHandler streams stored statements behind signed links.
type ArtifactHandler struct {
	artifacts artifactSource
}

// NewArtifactHandler constructs the handler.
func NewArtifactHandler(artifacts artifactSource) *ArtifactHandler {
	return &ArtifactHandler{artifacts: artifacts}
}

// Download godoc
// @Summary Download a generated or signed statement
// @Tags Artifacts
// @Produce application/pdf
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /artifacts/{token} [get]
func (h *ArtifactHandler) Download(c *gin.Context) {
	location, filename, err := h.artifacts.ResolveToken(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	rc, err := h.artifacts.Open(c.Request.Context(), location)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer rc.Close()

	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, -1, "application/pdf", rc, map[string]string{
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, filename),
	})
}
