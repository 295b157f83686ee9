// Package fetch downloads the artifacts a plan needs.
//
// The coordinator runs one goroutine per planned job and reports results
// over a channel. Downloads land in a shared on-disk cache keyed by
// filename; entries are written to a temp file and renamed into place so a
// crash never leaves a partial artifact under the final name, and
// concurrent downloads of the same artifact stay safe. A cached file only
// counts as a hit when its checksum still matches.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/cellarman/pkg/definition"
	cerrors "github.com/matzehuels/cellarman/pkg/errors"
	"github.com/matzehuels/cellarman/pkg/event"
	"github.com/matzehuels/cellarman/pkg/plan"
)

// Outcome is the result of one job's download. Exactly one outcome is
// delivered per started job, even if the job goroutine panics.
type Outcome struct {
	// TargetID identifies the job this outcome belongs to.
	TargetID string
	// Path is the local artifact file on success.
	Path string
	// Bytes is the artifact size on success.
	Bytes int64
	// Err is non-nil on failure.
	Err error
}

// Coordinator downloads artifacts for planned jobs.
type Coordinator struct {
	Client      *http.Client
	DownloadDir string
	// Platform selects which bottle to fetch for formulas.
	Platform string
	Events   *event.Bus
	Logger   *log.Logger
}

// NewCoordinator creates a coordinator writing into downloadDir. A nil
// client gets a default with connect and overall timeouts; a nil logger
// falls back to log.Default().
func NewCoordinator(downloadDir, platform string, bus *event.Bus, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		Client:      defaultClient(5*time.Minute, 30*time.Second),
		DownloadDir: downloadDir,
		Platform:    platform,
		Events:      bus,
		Logger:      logger,
	}
}

func defaultClient(total, connect time.Duration) *http.Client {
	return &http.Client{
		Timeout: total,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connect,
			}).DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: connect,
		},
	}
}

// Start launches one download goroutine per job and returns the outcome
// channel. The channel is closed once every job has reported. Start does
// not block on downloads.
func (c *Coordinator) Start(ctx context.Context, jobs []plan.Job) <-chan Outcome {
	outcomes := make(chan Outcome, len(jobs))

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job plan.Job) {
			defer wg.Done()
			outcomes <- c.runJob(ctx, job)
		}(job)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()
	return outcomes
}

// runJob fetches one job's artifact. A panic in the fetch path is
// recovered and converted into a failure outcome so the pipeline never
// waits on a job that died.
func (c *Coordinator) runJob(ctx context.Context, job plan.Job) (out Outcome) {
	out.TargetID = job.TargetID
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error("download goroutine panicked",
				"target", job.TargetID, "panic", r, "stack", string(debug.Stack()))
			out = Outcome{
				TargetID: job.TargetID,
				Err:      cerrors.New(cerrors.ErrCodeInternal, "download of %s panicked: %v", job.TargetID, r),
			}
		}
		c.publishOutcome(job, out)
	}()

	c.publish(event.Event{
		Type:        event.TypeDownloadStarted,
		Target:      job.TargetID,
		PackageKind: string(job.Definition.DefinitionKind()),
		Action:      job.Action.Kind.String(),
	})

	path, size, err := c.fetch(ctx, job)
	out.Path = path
	out.Bytes = size
	out.Err = err
	return out
}

func (c *Coordinator) publishOutcome(job plan.Job, out Outcome) {
	if out.Err != nil {
		c.publish(event.Event{
			Type:   event.TypeDownloadFailed,
			Target: job.TargetID,
			Err:    out.Err.Error(),
		})
		return
	}
	c.publish(event.Event{
		Type:   event.TypeDownloadFinished,
		Target: job.TargetID,
		Bytes:  out.Bytes,
	})
}

func (c *Coordinator) publish(e event.Event) {
	if c.Events != nil {
		c.Events.Publish(e)
	}
}

// fetch resolves the artifact location and ensures a verified local copy.
func (c *Coordinator) fetch(ctx context.Context, job plan.Job) (string, int64, error) {
	// Pre-seeded source archives bypass the network entirely.
	if job.PrivateStorePath != "" {
		info, err := os.Stat(job.PrivateStorePath)
		if err != nil {
			return "", 0, cerrors.Wrap(cerrors.ErrCodeIO, err, "private store archive for %s", job.TargetID)
		}
		c.Logger.Debug("using private store archive", "target", job.TargetID, "path", job.PrivateStorePath)
		return job.PrivateStorePath, info.Size(), nil
	}

	primary, sha, mirrors, err := c.resolveSource(job)
	if err != nil {
		return "", 0, err
	}

	dest := filepath.Join(c.DownloadDir, cacheFilename(primary))
	if size, ok := c.cachedHit(dest, sha); ok {
		c.Logger.Debug("download cache hit", "target", job.TargetID, "file", dest)
		return dest, size, nil
	}

	urls := append([]string{primary}, mirrors...)
	var lastErr error
	for _, u := range urls {
		size, err := c.download(ctx, u, dest, sha)
		if err == nil {
			return dest, size, nil
		}
		if cerrors.Is(err, cerrors.ErrCodeChecksumMismatch) {
			// A corrupt or tampered artifact is a hard failure, not a
			// reason to try the next mirror.
			return "", 0, err
		}
		c.Logger.Warn("download failed, trying next mirror", "target", job.TargetID, "url", u, "error", err)
		lastErr = err
	}
	return "", 0, cerrors.Wrap(cerrors.ErrCodeDownload, lastErr, "all sources exhausted for %s", job.TargetID)
}

// resolveSource picks the URL, checksum and mirror list for a job.
func (c *Coordinator) resolveSource(job plan.Job) (string, string, []string, error) {
	switch job.Definition.DefinitionKind() {
	case definition.KindFormula:
		f := job.Definition.(*definition.Formula)
		if job.IsSourceBuild {
			if f.Source.URL == "" {
				return "", "", nil, cerrors.New(cerrors.ErrCodeInvalidDefinition, "%s has no source url", job.TargetID)
			}
			return f.Source.URL, f.Source.Sha256, f.Source.Mirrors, nil
		}
		b, ok := f.BottleFor(c.Platform)
		if !ok {
			return "", "", nil, cerrors.New(cerrors.ErrCodeUnsupportedPlatform,
				"%s has no bottle for %s", job.TargetID, c.Platform)
		}
		return b.URL, b.Sha256, b.Mirrors, nil
	case definition.KindCask:
		ca := job.Definition.(*definition.Cask)
		return ca.URL, ca.Sha256, ca.Mirrors, nil
	default:
		return "", "", nil, cerrors.New(cerrors.ErrCodeInternal, "unknown definition kind %q", job.Definition.DefinitionKind())
	}
}

// cachedHit reports whether dest exists with a matching checksum. A stale
// or corrupt entry is treated as a miss and overwritten by the download.
func (c *Coordinator) cachedHit(dest, sha string) (int64, bool) {
	info, err := os.Stat(dest)
	if err != nil {
		return 0, false
	}
	sum, err := fileChecksum(dest)
	if err != nil || sum != sha {
		return 0, false
	}
	return info.Size(), true
}

// download fetches one URL into dest, verifying the checksum before the
// temp file is renamed into place.
func (c *Coordinator) download(ctx context.Context, rawURL, dest, sha string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeInvalidInput, err, "build request for %s", rawURL)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeDownload, err, "get %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, cerrors.New(cerrors.ErrCodeDownload, "get %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeIO, err, "create download dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), path.Base(dest)+".download-*")
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ErrCodeIO, err, "create temp file")
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, cerrors.Wrap(cerrors.ErrCodeDownload, err, "read %s", rawURL)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if sum != sha {
		os.Remove(tmpName)
		return 0, cerrors.New(cerrors.ErrCodeChecksumMismatch,
			"%s: checksum %s does not match expected %s", path.Base(dest), sum, sha)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, cerrors.Wrap(cerrors.ErrCodeIO, err, "move artifact into cache")
	}
	return size, nil
}

// cacheFilename derives the download cache key from the artifact URL.
func cacheFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}

func fileChecksum(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Checksum returns the hex SHA-256 of data. Exposed for definition tooling
// and tests.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
