package extractor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
)

// subprocessAdapter runs an external binary against a URL and writes
// artifacts into a task directory, capturing stderr so a failure can be
// classified from its text.
type subprocessAdapter struct {
	name string // logged as the adapter identity
	bin  string
	args func(url, taskDir string, opts ExtractOptions) []string
}

func (a *subprocessAdapter) Extract(ctx context.Context, url, taskDir string, opts ExtractOptions) error {
	args := a.args(url, taskDir, opts)

	cmd := exec.CommandContext(ctx, a.bin, args...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	slog.Debug("extraction attempt", "adapter", a.name, "url", url, "cookies", opts.CookieFile != "")

	if err := cmd.Run(); err != nil {
		text := stderrBuf.String()
		code := Classify(text)
		slog.Warn("extraction failed", "adapter", a.name, "url", url, "code", code, "stderr", text)
		return newError(code, fmt.Sprintf("%s: %s", a.name, a.bin), err)
	}

	slog.Info("extraction complete", "adapter", a.name, "url", url)
	return nil
}

// NewGeneralAdapter wraps the general-purpose media extraction binary
// (spec.md §4.C "General extractor"). It handles the widest format surface
// and is the default first attempt for anything not steered to a more
// specific adapter.
func NewGeneralAdapter(bin string) Adapter {
	return &subprocessAdapter{
		name: "general",
		bin:  bin,
		args: func(url, taskDir string, opts ExtractOptions) []string {
			args := []string{
				"--no-playlist",
				"-o", filepath.Join(taskDir, "%(id)s.%(ext)s"),
			}
			if opts.CookieFile != "" {
				args = append(args, "--cookies", opts.CookieFile)
			}
			if opts.UserAgent != "" {
				args = append(args, "--user-agent", opts.UserAgent)
			}
			if opts.AltClient {
				args = append(args, "--extractor-args", "youtube:player_client=android")
			}
			args = append(args, url)
			return args
		},
	}
}

// NewPlatformAdapter wraps the long-video-host-specific extraction binary
// used as the first attempt for that host family before falling back to
// the general extractor with credentials (spec.md §4.C "Platform-specific
// extractor").
func NewPlatformAdapter(bin string) Adapter {
	return &subprocessAdapter{
		name: "platform",
		bin:  bin,
		args: func(url, taskDir string, opts ExtractOptions) []string {
			return []string{
				"--format", "best",
				"-o", filepath.Join(taskDir, "%(id)s.%(ext)s"),
				url,
			}
		},
	}
}

// NewGalleryAdapter wraps the gallery/carousel-oriented extraction binary,
// used first for photo posts and as a fallback for mislabeled short-video
// posts (spec.md §4.C "Gallery extractor").
func NewGalleryAdapter(bin string) Adapter {
	return &subprocessAdapter{
		name: "gallery",
		bin:  bin,
		args: func(url, taskDir string, opts ExtractOptions) []string {
			args := []string{"-D", taskDir}
			if opts.CookieFile != "" {
				args = append(args, "--cookies", opts.CookieFile)
			}
			args = append(args, url)
			return args
		},
	}
}
