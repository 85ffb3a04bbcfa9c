// Package sender implements the Upstream Sender (spec C12): tick-aligned
// batch construction, a durable file outbox, HTTP delivery with retry
// suffixes, and a resend worker gated on upstream health.
package sender

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// OutboxFile describes one payload file's parsed name.
type OutboxFile struct {
	Path      string
	Name      string
	CreatedAt time.Time
	RetryN    int // 0 = fresh .json, >=1 = .retryN.json
	Failed    bool
	ModTime   time.Time
}

var retrySuffixRe = regexp.MustCompile(`\.retry(\d+)\.json$`)

// OutboxStore manages the on-disk payload directory: naming, FIFO
// retry-first selection, retry promotion, and budget-enforced cleanup.
type OutboxStore struct {
	Dir string
}

// NewOutboxStore ensures dir exists and returns a store rooted there.
func NewOutboxStore(dir string) (*OutboxStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating outbox dir: %w", err)
	}
	return &OutboxStore{Dir: dir}, nil
}

// Persist writes payload as a new fresh outbox file and returns its path.
// Save-then-send: this must complete before any POST attempt.
func (o *OutboxStore) Persist(payload []byte, at time.Time) (string, error) {
	name := fmt.Sprintf("resend_%s_%03d_%s.json", at.Format("20060102150405"), at.Nanosecond()/1e6, randSuffix(4))
	path := filepath.Join(o.Dir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("persisting outbox file: %w", err)
	}
	return path, nil
}

func randSuffix(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// parseOutboxFile derives retry state from a filename; non-matching names
// (not ours) return ok=false.
func parseOutboxFile(path string, info os.FileInfo) (OutboxFile, bool) {
	name := info.Name()
	if !strings.HasPrefix(name, "resend_") {
		return OutboxFile{}, false
	}
	f := OutboxFile{Path: path, Name: name, ModTime: info.ModTime()}
	switch {
	case strings.HasSuffix(name, ".fail"):
		f.Failed = true
	case retrySuffixRe.MatchString(name):
		m := retrySuffixRe.FindStringSubmatch(name)
		n, _ := strconv.Atoi(m[1])
		f.RetryN = n
	case strings.HasSuffix(name, ".json"):
		// fresh, RetryN stays 0
	default:
		return OutboxFile{}, false
	}
	return f, true
}

// PickBatch returns up to batchSize files eligible for resend: retry files
// before fresh files, each group FIFO by mtime, excluding anything younger
// than protectRecent and anything already marked .fail.
func (o *OutboxStore) PickBatch(batchSize int, protectRecent time.Duration, now time.Time) ([]OutboxFile, error) {
	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return nil, fmt.Errorf("reading outbox dir: %w", err)
	}

	var retries, fresh []OutboxFile
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		f, ok := parseOutboxFile(filepath.Join(o.Dir, e.Name()), info)
		if !ok || f.Failed {
			continue
		}
		if now.Sub(f.ModTime) < protectRecent {
			continue
		}
		if f.RetryN > 0 {
			retries = append(retries, f)
		} else {
			fresh = append(fresh, f)
		}
	}
	sortByMtime(retries)
	sortByMtime(fresh)

	batch := append(retries, fresh...)
	if len(batch) > batchSize {
		batch = batch[:batchSize]
	}
	return batch, nil
}

func sortByMtime(files []OutboxFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].ModTime.Before(files[j].ModTime) })
}

// Delete removes a successfully-sent file.
func (o *OutboxStore) Delete(f OutboxFile) error {
	return os.Remove(f.Path)
}

// RetryOrFail renames f to the next retry suffix, or to .fail once
// maxRetry is reached. maxRetry < 0 means unlimited retries.
func (o *OutboxStore) RetryOrFail(f OutboxFile, maxRetry int) error {
	next := f.RetryN + 1
	if maxRetry >= 0 && next >= maxRetry {
		return os.Rename(f.Path, failName(f.Path))
	}
	base := strings.TrimSuffix(f.Path, ".json")
	base = retrySuffixRe.ReplaceAllString(f.Path, "")
	base = strings.TrimSuffix(base, ".json")
	newPath := fmt.Sprintf("%s.retry%d.json", base, next)
	return os.Rename(f.Path, newPath)
}

func failName(path string) string {
	base := retrySuffixRe.ReplaceAllString(path, "")
	base = strings.TrimSuffix(base, ".json")
	return base + ".fail"
}

// EnforceBudget deletes oldest non-.fail files first, then .fail files, up
// to cleanupBatch per pass, when dir size exceeds quotaMB or free space
// drops below freeMinMB. Never touches files younger than protectRecent.
func (o *OutboxStore) EnforceBudget(quotaMB, freeMinMB float64, cleanupBatch int, protectRecent time.Duration, now time.Time) (int, error) {
	size, err := o.dirSizeBytes()
	if err != nil {
		return 0, err
	}
	freeBytes, err := freeDiskBytes(o.Dir)
	if err != nil {
		return 0, err
	}

	overQuota := quotaMB > 0 && float64(size)/(1024*1024) > quotaMB
	lowFree := freeMinMB > 0 && float64(freeBytes)/(1024*1024) < freeMinMB
	if !overQuota && !lowFree {
		return 0, nil
	}

	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return 0, err
	}
	var active, failed []OutboxFile
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		f, ok := parseOutboxFile(filepath.Join(o.Dir, e.Name()), info)
		if !ok || now.Sub(f.ModTime) < protectRecent {
			continue
		}
		if f.Failed {
			failed = append(failed, f)
		} else {
			active = append(active, f)
		}
	}
	sortByMtime(active)
	sortByMtime(failed)

	deleted := 0
	for _, f := range append(active, failed...) {
		if deleted >= cleanupBatch {
			break
		}
		if err := os.Remove(f.Path); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (o *OutboxStore) dirSizeBytes() (int64, error) {
	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Count returns the number of fresh+retry files and the number of .fail
// files currently in the outbox, for metrics.
func (o *OutboxStore) Count() (pending, failed int, err error) {
	entries, err := os.ReadDir(o.Dir)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		f, ok := parseOutboxFile(filepath.Join(o.Dir, e.Name()), info)
		if !ok {
			continue
		}
		if f.Failed {
			failed++
		} else {
			pending++
		}
	}
	return pending, failed, nil
}
