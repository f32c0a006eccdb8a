package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// blobFile is the name of the payload inside a blob cache slot.
const blobFile = "blob"

var (
	sha256Pattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

	errChecksum = errors.New("checksum mismatch")
)

// downloadHandler fetches a file into the content-addressed blob cache and
// links it into the result directory as a package artifact.
type downloadHandler struct {
	url  string
	sum  string
	name string
	typ  workflow.ArtifactType
	opts Options
}

func newDownload(task workflow.Task, opts Options) (dag.Handler, error) {
	raw, ok := task.Parameter("url")
	if !ok || raw == "" {
		return nil, fmt.Errorf("missing parameter url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("parameter url must be an http(s) URL: %q", raw)
	}
	sum := strings.ToLower(task.ParameterOr("sha256", ""))
	if !sha256Pattern.MatchString(sum) {
		return nil, fmt.Errorf("parameter sha256 must be 64 hex digits")
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return nil, fmt.Errorf("cannot derive a file name from %q", raw)
	}
	typ, ok := packageType(name)
	if !ok {
		typ = workflow.ArtifactBinaryPackage
	}
	return &downloadHandler{url: raw, sum: sum, name: name, typ: typ, opts: opts}, nil
}

func (h *downloadHandler) Handle(ectx *dag.ExecutionContext) error {
	dir, created, err := ectx.Cache().PopulateBlob(h.sum, func(staging string) error {
		return h.fetch(ectx.Context(), filepath.Join(staging, blobFile))
	})
	switch {
	case errors.Is(err, errChecksum):
		ectx.Failure(err.Error())
		return nil
	case err != nil:
		ectx.Error(fmt.Sprintf("download %s: %v", h.url, err))
		return nil
	}

	p, err := ectx.AddArtifact(h.typ, h.name)
	if err != nil {
		return err
	}
	if err := os.Symlink(filepath.Join(dir, blobFile), p); err != nil {
		return fmt.Errorf("link download: %w", err)
	}

	if created {
		ectx.Success(fmt.Sprintf("downloaded %s", h.name))
	} else {
		ectx.Success(fmt.Sprintf("reused cached %s", h.name))
	}
	return nil
}

func (h *downloadHandler) fetch(ctx context.Context, dst string) error {
	if h.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.DownloadTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hash), resp.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if got := hex.EncodeToString(hash.Sum(nil)); got != h.sum {
		return fmt.Errorf("%w: expected %s, got %s", errChecksum, h.sum, got)
	}
	return nil
}
