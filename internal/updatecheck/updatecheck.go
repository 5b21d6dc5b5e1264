package updatecheck

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ashfaaq98/intelcore/internal/logging"
	"github.com/Ashfaaq98/intelcore/internal/metrics"
	"github.com/Ashfaaq98/intelcore/internal/store"
)

// maxStoredTagLen bounds the version persisted in the status row.
const maxStoredTagLen = 20

var (
	ErrNotConfigured  = errors.New("update check url not configured")
	ErrNoVersion      = errors.New("current version not set")
	ErrFetch          = errors.New("failed to fetch release information")
	ErrServer         = errors.New("update server returned an error")
	ErrInvalidPayload = errors.New("invalid response from update server")
	ErrMissingTag     = errors.New("release response missing tag_name")
)

// State is the outcome of comparing the running and released versions.
type State string

const (
	StateUpToDate  State = "up_to_date"
	StateAvailable State = "available"
	StateAhead     State = "ahead"
)

// Result describes one successful check.
type Result struct {
	Current  string `json:"current"`
	Latest   string `json:"latest"`
	State    State  `json:"state"`
	Notified bool   `json:"notified"`
	Message  string `json:"message"`
}

// Options configures a Checker.
type Options struct {
	URL            string
	CurrentVersion string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Checker compares the running version with the latest published release
// and notifies administrators once per newer release.
type Checker struct {
	url        string
	current    string
	httpClient *http.Client
	store      *store.Store
	logger     *zap.Logger
	now        func() time.Time
}

func New(s *store.Store, opts Options) *Checker {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Checker{
		url:        opts.URL,
		current:    opts.CurrentVersion,
		httpClient: client,
		store:      s,
		logger:     logging.OrNop(opts.Logger),
		now:        time.Now,
	}
}

// NormalizeVersion turns a dotted version into its leading numeric
// components. Parsing stops at the first non numeric component, so
// "1.2.beta.3" yields [1 2] and "dev" yields nothing.
func NormalizeVersion(v string) []int {
	var parts []int
	for _, p := range strings.Split(v, ".") {
		if p == "" || strings.TrimLeft(p, "0123456789") != "" {
			break
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			break
		}
		parts = append(parts, n)
	}
	return parts
}

// CompareVersions orders normalized versions element-wise; a strict prefix
// sorts first.
func CompareVersions(a, b []int) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

type release struct {
	TagName string `json:"tag_name"`
}

// FetchLatest returns the latest release tag without its "v" prefix.
func (c *Checker) FetchLatest(ctx context.Context) (string, error) {
	if c.url == "" {
		return "", ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "intelcore-update-checker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("update check request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Error("update check http error", zap.Int("status", resp.StatusCode), zap.ByteString("body", data))
		return "", fmt.Errorf("%w: %d", ErrServer, resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		c.logger.Error("invalid json from update server", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if rel.TagName == "" {
		c.logger.Warn("update response missing tag_name")
		return "", ErrMissingTag
	}
	return strings.TrimPrefix(rel.TagName, "v"), nil
}

// Check fetches the latest release, records the check and, when a newer
// release is seen for the first time, adds an admin notification. The status
// row is read and written in a single transaction.
func (c *Checker) Check(ctx context.Context) (*Result, error) {
	res, err := c.check(ctx)
	if err != nil {
		metrics.UpdateChecks.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.UpdateChecks.WithLabelValues(string(res.State)).Inc()
	return res, nil
}

func (c *Checker) check(ctx context.Context) (*Result, error) {
	if c.current == "" {
		return nil, ErrNoVersion
	}
	latest, err := c.FetchLatest(ctx)
	if err != nil {
		return nil, err
	}

	current := strings.TrimPrefix(c.current, "v")
	stored := latest
	if len(stored) > maxStoredTagLen {
		stored = stored[:maxStoredTagLen]
	}
	currentV, latestV := NormalizeVersion(current), NormalizeVersion(latest)
	now := c.now()

	res := &Result{Current: current, Latest: latest}
	err = c.store.WithTx(ctx, func(tx *sql.Tx) error {
		st, err := store.LockUpdateCheckStatus(ctx, tx)
		if err != nil {
			return err
		}
		checked := time.Unix(now.Unix(), 0).UTC()
		st.LastCheckedAt = &checked

		// unparseable versions fall back to plain string equality
		cmp := 0
		if len(currentV) == 0 || len(latestV) == 0 {
			if latest != current {
				cmp = 1
			}
		} else {
			cmp = CompareVersions(latestV, currentV)
		}

		switch {
		case cmp > 0:
			res.State = StateAvailable
			res.Message = fmt.Sprintf("New version available: %s (current: %s)", latest, current)
			if len(currentV) > 0 && len(latestV) > 0 && (st.LatestVersion != stored || !st.Notified) {
				st.LatestVersion = stored
				st.Notified = true
				if _, err := store.AddNotification(ctx, tx, store.Notification{
					Title:       "New version available",
					Description: fmt.Sprintf("Version %s is available (current: %s)", latest, current),
					Level:       "warning",
					ForAdmins:   true,
					Details:     map[string]interface{}{"latest": latest, "current": current},
					CreatedAt:   now,
				}); err != nil {
					return err
				}
				res.Notified = true
			}
		case cmp < 0:
			res.State = StateAhead
			res.Message = fmt.Sprintf("Local version ahead of release: %s > %s", current, latest)
		default:
			res.State = StateUpToDate
			res.Message = fmt.Sprintf("Version up to date (%s)", current)
		}
		return store.SaveUpdateCheckStatus(ctx, tx, st)
	})
	if err != nil {
		return nil, fmt.Errorf("update check: %w", err)
	}

	if res.Notified {
		c.logger.Info("new version available, administrators notified",
			zap.String("latest", latest), zap.String("current", current))
	}
	return res, nil
}
