// Package hosting talks to the preview hosting provider.
package hosting

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/previewctl/internal/core/deploy"
	"github.com/artpar/previewctl/internal/core/domain"
)

// =============================================================================
// Provider Interface
// =============================================================================

// Provider manages preview channels on a hosting service. Channel state lives
// entirely in the provider.
type Provider interface {
	ListChannels(ctx context.Context, site string) ([]domain.Channel, error)
	DeployToChannel(ctx context.Context, req DeployRequest) (deploy.Response, error)
	DeleteChannel(ctx context.Context, site, channelID string) error
}

// DeployRequest describes one deploy of built files to a preview channel.
type DeployRequest struct {
	Site         string
	ChannelID    string
	ArtifactPath string
	// Expires is a provider duration string such as "7d".
	Expires string
}

// =============================================================================
// Errors
// =============================================================================

var (
	ErrCommandFailed = errors.New("hosting command failed")
	ErrInvalidOutput = errors.New("unparseable hosting output")
)

// ProviderError carries the provider's stable error code alongside context.
type ProviderError struct {
	Op        string // e.g., "ListChannels"
	Site      string
	ChannelID string
	// Code is a stable status code (429 for quota); zero when unknown.
	Code    int
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.ChannelID != "" {
		return fmt.Sprintf("%s %s/%s: %s", e.Op, e.Site, e.ChannelID, e.Message)
	}
	if e.Site != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Site, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the provider code carried by err, or zero.
func ErrorCode(err error) int {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}
