package services

import (
	"bytes"
	"fmt"
	"image/png"
	"strings"

	"github.com/gosimple/slug"
	"github.com/skip2/go-qrcode"

	"bountyboard-backend/core/bounty"
)

// QRCodeService handles QR code generation
type QRCodeService struct {
	publicURL string
}

// NewQRCodeService creates a new QR code service. publicURL is the externally
// reachable gateway base used in share links.
func NewQRCodeService(publicURL string) *QRCodeService {
	return &QRCodeService{publicURL: strings.TrimRight(publicURL, "/")}
}

// ShareURL is the by-id link for a bounty, with a readable title fragment.
func (s *QRCodeService) ShareURL(id bounty.ID, title string) string {
	u := s.publicURL + "/api/bounty/" + string(id)
	if t := slug.Make(title); t != "" {
		u += "#" + t
	}
	return u
}

// GenerateQRCode renders text as a PNG of the given size.
func (s *QRCodeService) GenerateQRCode(text string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}
