package services

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"time"

	"github.com/skip2/go-qrcode"

	"sponsorhub-backend/core/clock"
	"sponsorhub-backend/core/deal"
	"sponsorhub-backend/models"
)

// QRCodeService renders submission links so reviewers can open them on a phone.
type QRCodeService struct {
	deals *DealService
}

// NewQRCodeService creates a new QR code service
func NewQRCodeService(deals *DealService) *QRCodeService {
	return &QRCodeService{deals: deals}
}

// GenerateQRCode encodes text as a 256px PNG.
func (s *QRCodeService) GenerateQRCode(text string) ([]byte, error) {
	qr, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(256)); err != nil {
		return nil, fmt.Errorf("failed to encode QR code to PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// LatestSubmissionQRCode renders the URL of the deal's latest submission.
func (s *QRCodeService) LatestSubmissionQRCode(ctx context.Context, actor deal.Actor, dealID string) ([]byte, error) {
	sub, err := s.deals.LatestSubmission(ctx, actor, dealID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, deal.ErrSubmissionNotFound
	}
	return s.GenerateQRCode(sub.URL)
}

// HealthService handles health check business logic
type HealthService struct {
	driver  string
	started time.Time
	clock   clock.Clock
}

// NewHealthService creates a new health service
func NewHealthService(driver string, clk clock.Clock) *HealthService {
	return &HealthService{driver: driver, started: clk.Now(), clock: clk}
}

// GetHealthStatus returns current health status
func (s *HealthService) GetHealthStatus() *models.HealthResponse {
	now := s.clock.Now()
	return &models.HealthResponse{
		Status:      "healthy",
		StoreDriver: s.driver,
		Uptime:      now.Sub(s.started).Truncate(time.Second).String(),
		Timestamp:   now.Unix(),
	}
}
