package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/documents"
	"github.com/spec-kit/dealroom-service/internal/repository"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

const maxPageSize = 500

func principalFrom(c *fiber.Ctx) (auth.Principal, error) {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok || principal == nil {
		return auth.Principal{}, apperrors.NewUnauthorized("authentication required")
	}
	return *principal, nil
}

func listOptions(c *fiber.Ctx) repository.ListOptions {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		limit = 0
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return repository.ListOptions{Limit: limit, Offset: offset}
}

func isMultipart(c *fiber.Ctx) bool {
	return strings.HasPrefix(strings.ToLower(c.Get(fiber.HeaderContentType)), fiber.MIMEMultipartForm)
}

// withUpload opens the "file" part of a multipart body for fn.
func withUpload(c *fiber.Ctx, fn func(documents.Upload) error) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return apperrors.NewValidationError("multipart field \"file\" required", nil)
	}
	f, err := fh.Open()
	if err != nil {
		return apperrors.NewValidationError("unreadable upload", nil)
	}
	defer f.Close()
	return fn(documents.Upload{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get(fiber.HeaderContentType),
		Body:        f,
	})
}
