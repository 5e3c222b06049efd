package hosting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/previewctl/internal/core/deploy"
	"github.com/artpar/previewctl/internal/core/domain"
	"github.com/artpar/previewctl/internal/shell/command"
)

// FirebaseConfig configures the Firebase CLI provider.
type FirebaseConfig struct {
	Binary     string
	Project    string
	ProjectDir string

	ListTimeout   time.Duration
	DeployTimeout time.Duration
	DeleteTimeout time.Duration
}

// FirebaseCLI drives the firebase binary through a command runner.
type FirebaseCLI struct {
	cfg    FirebaseConfig
	runner command.Runner
	logger *slog.Logger
}

var _ Provider = (*FirebaseCLI)(nil)

// NewFirebaseCLI creates a provider. Zero timeouts fall back to sane limits.
func NewFirebaseCLI(cfg FirebaseConfig, runner command.Runner, logger *slog.Logger) *FirebaseCLI {
	if cfg.Binary == "" {
		cfg.Binary = "firebase"
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 30 * time.Second
	}
	if cfg.DeployTimeout <= 0 {
		cfg.DeployTimeout = 5 * time.Minute
	}
	if cfg.DeleteTimeout <= 0 {
		cfg.DeleteTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FirebaseCLI{
		cfg:    cfg,
		runner: runner,
		logger: logger.With("component", "hosting", "provider", "firebase"),
	}
}

// =============================================================================
// ListChannels
// =============================================================================

type channelListOutput struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Result struct {
		Channels []struct {
			Name       string `json:"name"`
			URL        string `json:"url"`
			CreateTime string `json:"createTime"`
			UpdateTime string `json:"updateTime"`
			ExpireTime string `json:"expireTime"`
		} `json:"channels"`
	} `json:"result"`
}

// ListChannels returns every channel on site, including the live channel.
func (f *FirebaseCLI) ListChannels(ctx context.Context, site string) ([]domain.Channel, error) {
	res, err := f.run(ctx, "channel-list-"+site, f.cfg.ListTimeout,
		"hosting:channel:list", "--site", site, "--json")
	if err != nil {
		return nil, &ProviderError{Op: "ListChannels", Site: site, Message: err.Error(), Err: err}
	}
	if res.ExitCode != 0 || res.TimedOut {
		return nil, f.commandError("ListChannels", site, "", res)
	}

	var out channelListOutput
	if err := json.Unmarshal([]byte(jsonPayload(res.Stdout)), &out); err != nil {
		return nil, &ProviderError{Op: "ListChannels", Site: site, Message: "invalid JSON output", Err: fmt.Errorf("%w: %w", ErrInvalidOutput, err)}
	}
	if out.Status != "" && out.Status != "success" {
		return nil, &ProviderError{Op: "ListChannels", Site: site, Code: detectCode(out.Error), Message: out.Error, Err: ErrCommandFailed}
	}

	channels := make([]domain.Channel, 0, len(out.Result.Channels))
	for _, c := range out.Result.Channels {
		ch := domain.Channel{
			ID:        channelIDFromName(c.Name),
			Site:      site,
			URL:       c.URL,
			CreatedAt: parseTime(c.CreateTime),
			UpdatedAt: parseTime(c.UpdateTime),
		}
		if exp := parseTime(c.ExpireTime); !exp.IsZero() {
			ch.ExpiresAt = &exp
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// =============================================================================
// DeployToChannel
// =============================================================================

// DeployToChannel deploys to a preview channel. The response is returned even
// when the command fails so the caller can classify it.
func (f *FirebaseCLI) DeployToChannel(ctx context.Context, req DeployRequest) (deploy.Response, error) {
	args := []string{"hosting:channel:deploy", req.ChannelID, "--only", req.Site}
	if req.Expires != "" {
		args = append(args, "--expires", req.Expires)
	}

	res, err := f.run(ctx, "deploy-"+req.Site, f.cfg.DeployTimeout, args...)
	if err != nil {
		return deploy.Response{}, &ProviderError{Op: "DeployToChannel", Site: req.Site, ChannelID: req.ChannelID, Message: err.Error(), Err: err}
	}

	resp := deploy.Response{
		Success:   res.ExitCode == 0 && !res.TimedOut,
		RawOutput: res.Combined(),
	}
	if !resp.Success {
		resp.ErrorCode = detectCode(resp.RawOutput)
	}
	f.logger.Debug("deploy finished",
		"site", req.Site,
		"channel", req.ChannelID,
		"exit_code", res.ExitCode,
		"error_code", resp.ErrorCode,
		"log", res.LogPath,
	)
	return resp, nil
}

// =============================================================================
// DeleteChannel
// =============================================================================

// DeleteChannel removes a preview channel without prompting.
func (f *FirebaseCLI) DeleteChannel(ctx context.Context, site, channelID string) error {
	res, err := f.run(ctx, "channel-delete-"+site, f.cfg.DeleteTimeout,
		"hosting:channel:delete", channelID, "--site", site, "--force")
	if err != nil {
		return &ProviderError{Op: "DeleteChannel", Site: site, ChannelID: channelID, Message: err.Error(), Err: err}
	}
	if res.ExitCode != 0 || res.TimedOut {
		return f.commandError("DeleteChannel", site, channelID, res)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (f *FirebaseCLI) run(ctx context.Context, label string, timeout time.Duration, args ...string) (command.Result, error) {
	if f.cfg.Project != "" {
		args = append(args, "--project", f.cfg.Project)
	}
	return f.runner.Run(ctx, command.Spec{
		Label:   label,
		Name:    f.cfg.Binary,
		Args:    args,
		Dir:     f.cfg.ProjectDir,
		Timeout: timeout,
	})
}

func (f *FirebaseCLI) commandError(op, site, channelID string, res command.Result) error {
	msg := deploy.Summary(res.Combined())
	if res.TimedOut {
		msg = "timed out"
	}
	if msg == "" {
		msg = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return &ProviderError{
		Op:        op,
		Site:      site,
		ChannelID: channelID,
		Code:      detectCode(res.Combined()),
		Message:   msg,
		Err:       ErrCommandFailed,
	}
}

var httpErrorCode = regexp.MustCompile(`HTTP Error:\s*(\d{3})`)

// detectCode extracts the HTTP status the CLI reports, mapping quota
// signatures to 429.
func detectCode(output string) int {
	if m := httpErrorCode.FindStringSubmatch(output); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	if deploy.IsQuotaExceeded(deploy.Response{RawOutput: output}) {
		return deploy.QuotaStatusCode
	}
	return 0
}

// jsonPayload strips log noise printed before the JSON document.
func jsonPayload(s string) string {
	if i := strings.Index(s, "{"); i > 0 {
		return s[i:]
	}
	return s
}

// channelIDFromName turns "projects/p/sites/s/channels/pr-1" into "pr-1".
func channelIDFromName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
