// Package cache maps (task, fingerprint) pairs to result and scratch
// directories and hosts the shared checkout and blob caches.
package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"github.com/maxkimambo/chainbuild/internal/metrics"
	"github.com/maxkimambo/chainbuild/internal/utils"
	"github.com/maxkimambo/chainbuild/internal/workflow"
	"golang.org/x/sync/singleflight"
)

const (
	// StampFile marks a result directory as holding a complete SUCCESS result.
	StampFile = ".stamp"
	// ResultFile holds the serialised Result inside a stamped directory.
	ResultFile = "result.json"
	// LatestLinkName is the per-task symlink to the newest successful result.
	LatestLinkName = "latest"

	checkoutsDir = "checkouts"
	blobsDir     = "blobs"
	pendingInfix = ".pending-"

	// Remote and isolated executors may run under a different uid.
	sharedDirMode os.FileMode = 0o777
)

// Manager owns the three workspace roots of a run.
type Manager struct {
	resultRoot string
	workRoot   string
	cacheRoot  string

	fills singleflight.Group
}

// NewManager creates the roots if needed.
func NewManager(resultRoot, workRoot, cacheRoot string) (*Manager, error) {
	roots := []*string{&resultRoot, &workRoot, &cacheRoot}
	for _, root := range roots {
		abs, err := filepath.Abs(*root)
		if err != nil {
			return nil, errors.NewCacheError(*root, "Resolve workspace directory", err)
		}
		*root = abs
	}
	for _, dir := range []string{
		resultRoot,
		workRoot,
		filepath.Join(cacheRoot, checkoutsDir),
		filepath.Join(cacheRoot, blobsDir),
	} {
		if err := mkdirShared(dir); err != nil {
			return nil, errors.NewCacheError(dir, "Create workspace directory", err)
		}
	}
	return &Manager{resultRoot: resultRoot, workRoot: workRoot, cacheRoot: cacheRoot}, nil
}

func (m *Manager) ResultRoot() string { return m.resultRoot }

// ResultDir is the durable directory of one (task, fingerprint) pair.
func (m *Manager) ResultDir(taskID, fingerprint string) string {
	return filepath.Join(m.resultRoot, taskID, fingerprint)
}

// WorkDir is the scratch directory of one (task, fingerprint) pair.
func (m *Manager) WorkDir(taskID, fingerprint string) string {
	return filepath.Join(m.workRoot, taskID+"-"+fingerprint)
}

// LatestLink is where the newest successful result of taskID is linked.
func (m *Manager) LatestLink(taskID string) string {
	return filepath.Join(m.resultRoot, taskID, LatestLinkName)
}

// CreateResultDir clears any leftover content and creates an empty result directory.
func (m *Manager) CreateResultDir(taskID, fingerprint string) (string, error) {
	if err := checkComponent(taskID); err != nil {
		return "", err
	}
	dir := m.ResultDir(taskID, fingerprint)
	return dir, recreate(dir)
}

// CreateWorkDir allocates a fresh, empty scratch directory.
func (m *Manager) CreateWorkDir(taskID, fingerprint string) (string, error) {
	if err := checkComponent(taskID); err != nil {
		return "", err
	}
	dir := m.WorkDir(taskID, fingerprint)
	return dir, recreate(dir)
}

// RemoveWorkDir deletes a scratch directory and everything below it.
func (m *Manager) RemoveWorkDir(dir string) error {
	if !strings.HasPrefix(dir, m.workRoot+string(filepath.Separator)) {
		return fmt.Errorf("refusing to remove %s outside work root %s", dir, m.workRoot)
	}
	return os.RemoveAll(dir)
}

// IsStamped reports whether the result directory holds a completion stamp.
func (m *Manager) IsStamped(taskID, fingerprint string) bool {
	_, err := os.Stat(filepath.Join(m.ResultDir(taskID, fingerprint), StampFile))
	return err == nil
}

// Stamp persists result into its result directory and then writes the stamp.
// The stamp is written last so a crash in between leaves the directory unstamped.
func (m *Manager) Stamp(result workflow.Result) error {
	dir := m.ResultDir(result.TaskID, result.ID)
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, ResultFile), data, 0o644); err != nil {
		return errors.NewCacheError(dir, "Write result record", err)
	}
	if err := utils.WriteFileAtomic(filepath.Join(dir, StampFile), []byte(result.ID+"\n"), 0o644); err != nil {
		return errors.NewCacheError(dir, "Write completion stamp", err)
	}
	return nil
}

// LoadResult reads the Result persisted in a stamped directory.
func (m *Manager) LoadResult(taskID, fingerprint string) (workflow.Result, error) {
	var r workflow.Result
	dir := m.ResultDir(taskID, fingerprint)
	data, err := os.ReadFile(filepath.Join(dir, ResultFile))
	if err != nil {
		return r, errors.NewCacheError(dir, "Read result record", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return r, errors.NewCacheError(dir, "Decode result record", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return r, errors.NewCacheError(dir, "Decode result record", fmt.Errorf("trailing content"))
	}
	if r.ID != fingerprint || r.TaskID != taskID || r.Outcome != workflow.OutcomeSuccess {
		return r, errors.NewCacheError(dir, "Validate result record",
			fmt.Errorf("record %s/%s/%s does not match directory", r.TaskID, r.ID, r.Outcome))
	}
	return r, nil
}

// CheckoutDir is the shared checkout slot of a commit id.
func (m *Manager) CheckoutDir(commit string) string {
	return filepath.Join(m.cacheRoot, checkoutsDir, commit)
}

// BlobDir is the shared slot of a downloaded blob, keyed by content hash.
func (m *Manager) BlobDir(sha256 string) string {
	return filepath.Join(m.cacheRoot, blobsDir, sha256)
}

// PopulateCheckout fills the checkout slot of commit once; see Populate.
func (m *Manager) PopulateCheckout(commit string, fill func(staging string) error) (string, bool, error) {
	if err := checkComponent(commit); err != nil {
		return "", false, err
	}
	return m.Populate("checkout", m.CheckoutDir(commit), fill)
}

// PopulateBlob fills the blob slot of a content hash once; see Populate.
func (m *Manager) PopulateBlob(sha256 string, fill func(staging string) error) (string, bool, error) {
	if err := checkComponent(sha256); err != nil {
		return "", false, err
	}
	return m.Populate("blob", m.BlobDir(sha256), fill)
}

// Populate returns slot, filling it through a private staging directory when
// it does not exist yet. The boolean is true when this call created the slot.
// Losing the final rename to a concurrent populator counts as reuse.
// Concurrent calls for one slot inside this process share a single fill.
func (m *Manager) Populate(kind, slot string, fill func(staging string) error) (string, bool, error) {
	if exists(slot) {
		metrics.CachePopulations.WithLabelValues(kind, "reused").Inc()
		return slot, false, nil
	}

	v, err, shared := m.fills.Do(slot, func() (interface{}, error) {
		if exists(slot) {
			return false, nil
		}
		staging, err := m.PendingDir(slot)
		if err != nil {
			return false, err
		}
		if err := fill(staging); err != nil {
			_ = os.RemoveAll(staging)
			return false, err
		}
		return m.Commit(staging, slot)
	})
	if err != nil {
		return "", false, err
	}
	created := v.(bool) && !shared
	result := "reused"
	if created {
		result = "created"
	}
	metrics.CachePopulations.WithLabelValues(kind, result).Inc()
	return slot, created, nil
}

// PendingDir creates a uniquely named staging directory beside slot.
func (m *Manager) PendingDir(slot string) (string, error) {
	staging := slot + pendingInfix + uuid.NewString()
	if err := mkdirShared(staging); err != nil {
		return "", errors.NewCacheError(staging, "Create staging directory", err)
	}
	return staging, nil
}

// Commit renames staging over slot. It reports false when another populator
// already placed the slot, in which case staging is discarded.
func (m *Manager) Commit(staging, slot string) (bool, error) {
	err := os.Rename(staging, slot)
	if err == nil {
		_ = utils.FsyncDir(filepath.Dir(slot))
		return true, nil
	}
	if exists(slot) {
		logger.Op.WithFields(map[string]interface{}{
			"slot": slot,
		}).Debug("Lost populate race, reusing existing slot")
		_ = os.RemoveAll(staging)
		return false, nil
	}
	_ = os.RemoveAll(staging)
	return false, errors.NewCacheError(slot, "Commit staging directory", err)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func recreate(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewCacheError(dir, "Clear directory", err)
	}
	if err := mkdirShared(dir); err != nil {
		return errors.NewCacheError(dir, "Create directory", err)
	}
	return nil
}

// mkdirShared creates dir and chmods it, since MkdirAll is subject to the umask.
func mkdirShared(dir string) error {
	if err := os.MkdirAll(dir, sharedDirMode); err != nil {
		return err
	}
	return os.Chmod(dir, sharedDirMode)
}

func checkComponent(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q is not usable as a path component", name)
	}
	return nil
}
