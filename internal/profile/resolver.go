// Package profile resolves and validates campaign profiles.
//
// Entrypoint glue drops the profile blob at a path (possibly with a
// date-stamped name); the resolver picks the newest match and the store
// validates its structure before any worker starts.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/formfleet/internal/domain"
)

// ResolvePath resolves a config path that may contain exactly one `*`
// wildcard to the newest existing file by modification time. A literal
// path is returned as-is after an existence check.
func ResolvePath(pattern string) (string, error) {
	n := strings.Count(pattern, "*")
	switch {
	case n == 0:
		if _, err := os.Stat(pattern); err != nil {
			return "", fmt.Errorf("op=profile.resolve: config file %q: %w", pattern, err)
		}
		return pattern, nil
	case n > 1:
		return "", fmt.Errorf("op=profile.resolve: %w: pattern %q has %d wildcards, want one", domain.ErrInvalidArgument, pattern, n)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", fmt.Errorf("op=profile.resolve: bad pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("op=profile.resolve: %w: no file matches %q", domain.ErrNotFound, pattern)
	}

	newest := ""
	var newestMod int64
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest, newestMod = m, mod
		}
	}
	if newest == "" {
		return "", fmt.Errorf("op=profile.resolve: %w: no regular file matches %q", domain.ErrNotFound, pattern)
	}
	return newest, nil
}

// Load resolves the pattern, reads the file and transforms it through the
// given config store.
func Load(pattern string, store domain.ClientConfigStore) (domain.CampaignProfile, error) {
	path, err := ResolvePath(pattern)
	if err != nil {
		return domain.CampaignProfile{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.CampaignProfile{}, fmt.Errorf("op=profile.load: %w", err)
	}
	return store.Transform(raw)
}
