// Package corpus resolves the training corpus location. Remote corpora are
// downloaded once into the cache and reused by later runs.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pistobot/neoscratch/pkg/config"
	"github.com/pistobot/neoscratch/pkg/session"
)

var DebugLog func(string, ...interface{})

var ErrCorpus = errors.New("corpus unavailable")

type Resolver struct {
	cacheDir string
	session  *session.Session
}

// NewResolver uses the default corpus cache when cacheDir is empty. The
// default is only looked up once a remote corpus needs it.
func NewResolver(sess *session.Session, cacheDir string) *Resolver {
	if sess == nil {
		sess = session.New(0)
	}
	return &Resolver{cacheDir: cacheDir, session: sess}
}

func IsRemote(location string) bool {
	u, err := url.Parse(location)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolve returns a local path for location.
func (r *Resolver) Resolve(ctx context.Context, location string) (string, error) {
	if !IsRemote(location) {
		info, err := os.Stat(location)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrCorpus, err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("%w: %s is a directory", ErrCorpus, location)
		}
		return location, nil
	}

	dest := r.CachePath(location)
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		if DebugLog != nil {
			DebugLog("corpus %s served from cache %s", location, dest)
		}
		return dest, nil
	}

	if err := os.MkdirAll(r.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create cache directory: %v", ErrCorpus, err)
	}
	if err := r.download(ctx, location, dest); err != nil {
		return "", fmt.Errorf("%w: failed to download %s: %v", ErrCorpus, location, err)
	}
	return dest, nil
}

// CachePath is the cache file used for a remote location.
func (r *Resolver) CachePath(location string) string {
	if r.cacheDir == "" {
		r.cacheDir = config.GetCorpusCacheDir()
	}
	sum := sha256.Sum256([]byte(location))
	name := hex.EncodeToString(sum[:8])

	if u, err := url.Parse(location); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name += "_" + base
		}
	}
	if !strings.Contains(filepath.Base(name), ".") {
		name += ".txt"
	}
	return filepath.Join(r.cacheDir, name)
}

func (r *Resolver) download(ctx context.Context, location, dest string) error {
	if DebugLog != nil {
		DebugLog("downloading corpus %s", location)
	}
	resp, err := r.session.Get(ctx, location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	tmp, err := os.CreateTemp(r.cacheDir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}

	if DebugLog != nil {
		DebugLog("corpus cached at %s (%d bytes)", dest, n)
	}
	return nil
}
