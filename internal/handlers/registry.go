// Package handlers contains the concrete build handlers: source checkouts,
// verified downloads, shell builds and repository assembly.
package handlers

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/maxkimambo/chainbuild/internal/dag"
	"github.com/maxkimambo/chainbuild/internal/workflow"
)

// Handler keys.
const (
	KeyCheckout   = "checkout"
	KeyDownload   = "download"
	KeyBuild      = "build"
	KeyCreaterepo = "createrepo"
)

// Options configures the handlers of a run.
type Options struct {
	// Git is the git executable (default "git")
	Git string

	// Createrepo is the repository metadata tool (default "createrepo_c")
	Createrepo string

	// BuildTimeout bounds build commands without a timeout parameter; zero means none
	BuildTimeout time.Duration

	// DownloadTimeout bounds a single download; zero means none
	DownloadTimeout time.Duration

	// HTTPClient is used for downloads (default http.DefaultClient)
	HTTPClient *http.Client
}

func (o Options) withDefaults() Options {
	if o.Git == "" {
		o.Git = "git"
	}
	if o.Createrepo == "" {
		o.Createrepo = "createrepo_c"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	return o
}

// NewRegistry returns the factories of every built-in handler.
func NewRegistry(opts Options) dag.Registry {
	opts = opts.withDefaults()
	return dag.Registry{
		KeyCheckout:   func(t workflow.Task) (dag.Handler, error) { return newCheckout(t, opts) },
		KeyDownload:   func(t workflow.Task) (dag.Handler, error) { return newDownload(t, opts) },
		KeyBuild:      func(t workflow.Task) (dag.Handler, error) { return newBuild(t, opts) },
		KeyCreaterepo: func(t workflow.Task) (dag.Handler, error) { return newCreaterepo(t, opts) },
	}
}

// packageType classifies an RPM file name.
func packageType(name string) (workflow.ArtifactType, bool) {
	base := filepath.Base(name)
	switch {
	case strings.HasSuffix(base, ".src.rpm"):
		return workflow.ArtifactSourcePackage, true
	case strings.HasSuffix(base, ".rpm"):
		return workflow.ArtifactBinaryPackage, true
	default:
		return "", false
	}
}
