package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/googleapis/gax-go/v2"
	"github.com/maxkimambo/chainbuild/internal/errors"
	"github.com/maxkimambo/chainbuild/internal/logger"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

const preflightTimeout = 2 * time.Minute

// InstanceGetter is the slice of the Compute Engine instances API used here.
type InstanceGetter interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest, opts ...gax.CallOption) (*computepb.Instance, error)
	Close() error
}

// NewInstancesClient creates a REST instances client. An empty credentials
// file falls back to application default credentials.
func NewInstancesClient(ctx context.Context, credentialsFile string) (InstanceGetter, error) {
	logger.Op.Debug("Initializing Compute Engine instances client...")
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := compute.NewInstancesRESTClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute Instances client: %w", err)
	}
	return client, nil
}

// DefaultProject returns the project of the application default credentials.
func DefaultProject(ctx context.Context) (string, error) {
	creds, err := google.FindDefaultCredentials(ctx, compute.DefaultAuthScopes()...)
	if err != nil {
		return "", fmt.Errorf("failed to find default credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return "", fmt.Errorf("default credentials do not name a project")
	}
	return creds.ProjectID, nil
}

// GCE runs commands on Compute Engine instances over `gcloud compute ssh`.
// Each handler category maps to a dedicated instance sized for it; unmapped
// categories use Default, and run locally when Default is empty.
type GCE struct {
	Project   string
	Zone      string
	Instances map[string]string
	Default   string
	SSHFlags  []string
	Client    InstanceGetter
}

func (g *GCE) instanceFor(handler string) string {
	if name, ok := g.Instances[handler]; ok {
		return name
	}
	return g.Default
}

func (g *GCE) Wrap(meta TaskMeta, argv []string) ([]string, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	instance := g.instanceFor(meta.Handler)
	if instance == "" {
		return Local{}.Wrap(meta, argv)
	}
	cmd := []string{"gcloud", "compute", "ssh", instance,
		"--project", g.Project, "--zone", g.Zone, "--quiet"}
	cmd = append(cmd, g.SSHFlags...)
	return append(cmd, "--command", ShellQuote(argv)), nil
}

// Preflight verifies every mapped instance exists and is RUNNING.
func (g *GCE) Preflight(ctx context.Context) error {
	if g.Client == nil {
		return fmt.Errorf("gce executor has no instances client")
	}
	names := map[string]string{}
	for k, v := range g.Instances {
		names[k] = v
	}
	if g.Default != "" {
		names["*"] = g.Default
	}

	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	checked := map[string]bool{}
	for _, key := range sortedKeys(names) {
		instance := names[key]
		if checked[instance] {
			continue
		}
		checked[instance] = true

		logFields := map[string]interface{}{
			"project":  g.Project,
			"zone":     g.Zone,
			"instance": instance,
		}
		logger.Op.WithFields(logFields).Debug("Checking remote executor instance")

		inst, err := g.Client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  g.Project,
			Zone:     g.Zone,
			Instance: instance,
		}, gax.WithRetry(func() gax.Retryer {
			return gax.OnHTTPCodes(gax.Backoff{
				Initial:    500 * time.Millisecond,
				Max:        5 * time.Second,
				Multiplier: 2,
			}, http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout)
		}))
		if err != nil {
			logger.Op.WithFields(logFields).WithError(err).Error("Failed to get instance")
			return errors.NewRemotePreflightError(instance, g.Zone, g.Project, "lookup failed", err)
		}
		if status := inst.GetStatus(); status != "RUNNING" {
			return errors.NewRemotePreflightError(instance, g.Zone, g.Project,
				fmt.Sprintf("status is %s", status), nil)
		}
	}
	logger.Op.WithFields(map[string]interface{}{"instances": len(checked)}).Info("Remote executors are running")
	return nil
}

// Close releases the instances client.
func (g *GCE) Close() error {
	if g.Client == nil {
		return nil
	}
	return g.Client.Close()
}
