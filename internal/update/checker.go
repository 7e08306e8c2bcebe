// Package update checks the npm registry for newer releases of the published
// package. The check is fully optional, rides a circuit breaker so a flaky
// registry cannot slow startup, and never prints to stdout.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/Wawtawsha/durandal-memory-bridge-sub003/internal/config"
)

// requestTimeout bounds a single registry round-trip.
const requestTimeout = 5 * time.Second

// registryBase is the npm registry endpoint.
const registryBase = "https://registry.npmjs.org"

// safeVersion is the only shape a version string may have before it is passed
// to an installer process. Anything else is discarded.
var safeVersion = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// Checker performs rate-limited update checks against the npm registry.
type Checker struct {
	cfg      config.UpdateConfig
	current  string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	cacheDir string
	registry string
}

// cacheFile is the on-disk record of the last successful check.
type cacheFile struct {
	CheckedAt time.Time `json:"checked_at"`
	Latest    string    `json:"latest"`
}

// NewChecker builds a Checker for the given current version.
func NewChecker(cfg config.UpdateConfig, current string, logger *zap.Logger) *Checker {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &Checker{
		cfg:     cfg,
		current: current,
		client:  &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "npm-registry",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
		logger:   logger,
		cacheDir: filepath.Join(home, ".durandal-mcp"),
		registry: registryBase,
	}
}

// Run performs one check if the interval since the last recorded check has
// elapsed. It is meant to be launched in a goroutine at startup; every
// failure path is a debug log, never an error surfaced to the user.
func (c *Checker) Run(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}

	if cached, ok := c.readCache(); ok && time.Since(cached.CheckedAt) < c.cfg.Interval {
		c.notify(cached.Latest)
		return
	}

	latest, err := c.fetchLatest(ctx)
	if err != nil {
		c.logger.Debug("update check failed", zap.Error(err))
		return
	}

	c.writeCache(cacheFile{CheckedAt: time.Now(), Latest: latest})
	c.notify(latest)

	if c.cfg.AutoUpdate && newerThan(latest, c.current) {
		c.autoUpdate(ctx, latest)
	}
}

// fetchLatest asks the registry for the package document and reads its
// dist-tags.latest entry, through the circuit breaker.
func (c *Checker) fetchLatest(ctx context.Context) (string, error) {
	v, err := c.breaker.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/%s", c.registry, c.cfg.Package)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("registry returned %s", resp.Status)
		}

		var body struct {
			DistTags map[string]string `json:"dist-tags"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, err
		}
		latest := body.DistTags["latest"]
		if !safeVersion.MatchString(latest) {
			return nil, fmt.Errorf("registry returned unusable version %q", latest)
		}
		return latest, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// notify logs the availability of a newer version. Stderr only: the logger
// has no stdout sink.
func (c *Checker) notify(latest string) {
	if !c.cfg.Notification || latest == "" || !newerThan(latest, c.current) {
		return
	}
	c.logger.Info("update available",
		zap.String("current", c.current),
		zap.String("latest", latest),
		zap.String("run", fmt.Sprintf("npm install -g %s@latest", c.cfg.Package)))
}

// autoUpdate installs the new version. The version string has already passed
// safeVersion; arguments are passed as an argv vector so nothing is ever
// interpreted by a shell.
func (c *Checker) autoUpdate(ctx context.Context, version string) {
	target := version
	if !safeVersion.MatchString(target) {
		target = "latest"
	}

	cmd := exec.CommandContext(ctx, "npm", "install", "-g", c.cfg.Package+"@"+target)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		c.logger.Warn("auto-update failed", zap.Error(err))
		return
	}
	c.logger.Info("auto-update installed", zap.String("version", target))
}

func (c *Checker) cachePath() string {
	return filepath.Join(c.cacheDir, "update-cache.json")
}

func (c *Checker) readCache() (cacheFile, bool) {
	var cached cacheFile
	data, err := os.ReadFile(c.cachePath())
	if err != nil {
		return cached, false
	}
	if err := json.Unmarshal(data, &cached); err != nil {
		return cached, false
	}
	return cached, !cached.CheckedAt.IsZero()
}

func (c *Checker) writeCache(cached cacheFile) {
	if err := os.MkdirAll(c.cacheDir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	_ = os.WriteFile(c.cachePath(), data, 0o644)
}

// newerThan reports whether a is a strictly newer x.y.z version than b.
// Unparseable inputs compare as not newer.
func newerThan(a, b string) bool {
	pa, okA := parseVersion(a)
	pb, okB := parseVersion(b)
	if !okA || !okB {
		return false
	}
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] > pb[i]
		}
	}
	return false
}

func parseVersion(s string) ([3]int, bool) {
	var out [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return out, false
	}
	for i, p := range parts {
		// Tolerate a prerelease/build suffix on the patch segment.
		if i == 2 {
			if j := strings.IndexAny(p, "-+"); j >= 0 {
				p = p[:j]
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}
