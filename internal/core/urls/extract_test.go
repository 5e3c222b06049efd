package urls

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestExtractor() Extractor {
	return NewExtractor([]string{"admin", "hours"}, map[string]string{
		"acme-admin": "admin",
		"acme-hours": "hours",
	})
}

// =============================================================================
// Labeled Rule Tests
// =============================================================================

func TestExtract_LabeledBeatsGeneric(t *testing.T) {
	text := "deploying...\nADMIN: https://a.web.app\nHOURS: https://b.web.app\nalso live at https://c--preview.web.app\n"

	got := newTestExtractor().Extract(text)

	assert.Equal(t, map[string]string{
		"admin": "https://a.web.app",
		"hours": "https://b.web.app",
	}, got)
}

func TestExtract_LabeledOnOneLine(t *testing.T) {
	text := "ADMIN: https://a.web.app HOURS: https://b.web.app https://c--preview.web.app"

	got := newTestExtractor().Extract(text)

	assert.Equal(t, "https://a.web.app", got["admin"])
	assert.Equal(t, "https://b.web.app", got["hours"])
	assert.NotContains(t, got, GenericRole)
}

func TestExtract_FirstLabeledWins(t *testing.T) {
	text := "ADMIN: https://first.web.app\nADMIN: https://second.web.app"

	got := newTestExtractor().Extract(text)
	assert.Equal(t, "https://first.web.app", got["admin"])
}

func TestExtract_UnknownLabelIgnored(t *testing.T) {
	text := "Error: https://x--y.web.app failed"

	got := newTestExtractor().Extract(text)
	assert.NotContains(t, got, "error")
}

// =============================================================================
// Channel Rule Tests
// =============================================================================

func TestExtract_ChannelLines(t *testing.T) {
	text := `✔  hosting:channel: Channel URL (acme-admin): https://acme-admin--pr-42-x1y2.web.app [expires 2026-01-09]
✔  hosting:channel: Channel URL (acme-hours): https://acme-hours--pr-42-a9b8.web.app [expires 2026-01-09]`

	got := newTestExtractor().Extract(text)

	assert.Equal(t, map[string]string{
		"admin": "https://acme-admin--pr-42-x1y2.web.app",
		"hours": "https://acme-hours--pr-42-a9b8.web.app",
	}, got)
}

func TestExtract_LabeledOverridesChannel(t *testing.T) {
	text := "Channel URL (acme-admin): https://acme-admin--pr-1.web.app\nADMIN: https://override.web.app"

	got := newTestExtractor().Extract(text)
	assert.Equal(t, "https://override.web.app", got["admin"])
}

// =============================================================================
// Shape Rule Tests
// =============================================================================

func TestExtract_ShapeAttributedBySite(t *testing.T) {
	text := "https://acme-hours--main-1700000000-zz.web.app"

	got := newTestExtractor().Extract(text)
	assert.Equal(t, "https://acme-hours--main-1700000000-zz.web.app", got["hours"])
}

func TestExtract_GenericBucketWhenUnresolved(t *testing.T) {
	text := "ADMIN: https://a.web.app\nsee https://c--preview.web.app and https://d--preview.firebaseapp.com."

	got := newTestExtractor().Extract(text)

	assert.Equal(t, "https://a.web.app", got["admin"])
	assert.Equal(t, "https://c--preview.web.app", got[GenericRole])
	assert.Equal(t, "https://d--preview.firebaseapp.com", got[GenericRole+"-2"])
	assert.NotContains(t, got, "hours")
}

func TestExtract_Empty(t *testing.T) {
	assert.Empty(t, newTestExtractor().Extract("nothing to see"))
}

func TestExtract_NoExpectedRoles(t *testing.T) {
	e := NewExtractor(nil, nil)

	got := e.Extract("Admin URL: https://a.web.app\nerror: https://b.web.app")
	assert.Equal(t, map[string]string{"admin": "https://a.web.app"}, got)
}

// =============================================================================
// FindAllURLs Tests
// =============================================================================

func TestFindAllURLs(t *testing.T) {
	text := "https://a--x.web.app, https://a--x.web.app; https://b.firebaseapp.com. http://insecure.web.app"

	assert.Equal(t, []string{"https://a--x.web.app", "https://b.firebaseapp.com"}, FindAllURLs(text))
}
