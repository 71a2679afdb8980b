// Package transcoder checks the external transcoder binary that procvisor
// usually supervises.
package transcoder

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrUnknownVersion is returned when the version banner carries no release
// number, as with builds from a git snapshot.
var ErrUnknownVersion = errors.New("transcoder: version not found in output")

// DefaultProbeTimeout bounds a Probe whose ctx has no deadline.
const DefaultProbeTimeout = 10 * time.Second

// Result describes a probed binary.
type Result struct {
	Path    string          `json:"path"`
	Banner  string          `json:"banner"`
	Version *semver.Version `json:"version,omitempty"`
}

// versionPattern matches "version 6.1.1-3ubuntu5", "version n6.0" and similar.
var versionPattern = regexp.MustCompile(`version\s+[nN]?(\d+(?:\.\d+){0,2})`)

// Probe runs "<path> -version" and parses the first version number in its
// banner. The binary is looked up in PATH when path has no separator.
func Probe(ctx context.Context, path string) (*Result, error) {
	if path == "" {
		return nil, errors.New("transcoder: empty path")
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("transcoder: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultProbeTimeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, resolved, "-version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("transcoder: run %s -version: %w", resolved, err)
	}

	res := &Result{Path: resolved, Banner: firstLine(string(out))}
	v, err := ParseVersion(string(out))
	if err != nil {
		return res, err
	}
	res.Version = v
	return res, nil
}

// ParseVersion extracts the version from a "-version" banner.
func ParseVersion(banner string) (*semver.Version, error) {
	m := versionPattern.FindStringSubmatch(banner)
	if m == nil {
		return nil, ErrUnknownVersion
	}
	v, err := semver.NewVersion(m[1])
	if err != nil {
		return nil, fmt.Errorf("transcoder: parse version %q: %w", m[1], err)
	}
	return v, nil
}

// CheckConstraint reports an error when v does not satisfy constraint, e.g.
// ">= 4.0". An empty constraint accepts any version.
func CheckConstraint(v *semver.Version, constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("transcoder: invalid constraint %q: %w", constraint, err)
	}
	if v == nil {
		return ErrUnknownVersion
	}
	if ok, errs := c.Validate(v); !ok {
		if len(errs) > 0 {
			return fmt.Errorf("transcoder: version %s: %w", v, errs[0])
		}
		return fmt.Errorf("transcoder: version %s does not satisfy %s", v, constraint)
	}
	return nil
}

// ValidateConstraint reports whether constraint parses as a semver range.
func ValidateConstraint(constraint string) error {
	if strings.TrimSpace(constraint) == "" {
		return nil
	}
	if _, err := semver.NewConstraint(constraint); err != nil {
		return fmt.Errorf("transcoder: invalid constraint %q: %w", constraint, err)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
