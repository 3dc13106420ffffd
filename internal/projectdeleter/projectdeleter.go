// Package projectdeleter drains a platform admin event stream and
// deletes every upstream image belonging to a removed org/project. It
// is event-driven cleanup of upstream state, not part of the proxy's
// request path.
package projectdeleter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/apolo-dev/registry-proxy/internal/challenge"
	"github.com/apolo-dev/registry-proxy/internal/upstreamauth"
)

// Event is a single admin-stream notification. Only project-remove
// events are acted on; everything else is ignored and not acknowledged.
type Event struct {
	Type    string
	Org     string
	Project string
	Tag     string
}

const eventTypeProjectRemove = "project-remove"

// EventSource is the minimal subscription surface ProjectDeleter needs
// from the platform's event bus, kept as an interface so the concrete
// transport stays an external collaborator.
type EventSource interface {
	// Subscribe delivers events to handle until ctx is cancelled or an
	// unrecoverable error occurs.
	Subscribe(ctx context.Context, handle func(context.Context, Event) error) error
	// Ack acknowledges that tag has been fully processed.
	Ack(ctx context.Context, tag string) error
}

// Params configures a ProjectDeleter.
type Params struct {
	Source          EventSource
	Broker          upstreamauth.Broker
	Client          *http.Client
	UpstreamBaseURL string // e.g. "https://registry-1.example.com"
	UpstreamPrefix  string

	Log *zap.SugaredLogger
}

// ProjectDeleter subscribes to the platform admin event stream and, for
// every project-remove event, deletes all upstream images under that
// org/project.
type ProjectDeleter struct {
	source          EventSource
	broker          upstreamauth.Broker
	client          *http.Client
	upstreamBaseURL string
	upstreamPrefix  string
	log             *zap.SugaredLogger
}

func New(p Params) *ProjectDeleter {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &ProjectDeleter{
		source:          p.Source,
		broker:          p.Broker,
		client:          client,
		upstreamBaseURL: strings.TrimSuffix(p.UpstreamBaseURL, "/"),
		upstreamPrefix:  p.UpstreamPrefix,
		log:             log,
	}
}

// Run subscribes to the event source and blocks until ctx is cancelled
// or the subscription fails.
func (d *ProjectDeleter) Run(ctx context.Context) error {
	d.log.Infow("subscribing to admin event stream")
	return d.source.Subscribe(ctx, d.onEvent)
}

func (d *ProjectDeleter) onEvent(ctx context.Context, ev Event) error {
	if ev.Type != eventTypeProjectRemove {
		return nil
	}
	if ev.Org == "" || ev.Project == "" {
		return fmt.Errorf("project-remove event missing org/project")
	}
	d.log.Infow("deleting project images", "org", ev.Org, "project", ev.Project)
	if err := d.deleteProjectImages(ctx, ev.Org, ev.Project); err != nil {
		return fmt.Errorf("deleting images for %s/%s: %w", ev.Org, ev.Project, err)
	}
	return d.source.Ack(ctx, ev.Tag)
}

// deleteProjectImages walks the upstream catalog for every image under
// org/project, then deletes each by digest, fanning the deletions out
// concurrently the way the original implementation gathers its
// asyncio tasks.
func (d *ProjectDeleter) deleteProjectImages(ctx context.Context, org, project string) error {
	images, err := d.listImages(ctx, org, project)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(images))
	for i, image := range images {
		wg.Add(1)
		go func(i int, image string) {
			defer wg.Done()
			errs[i] = d.deleteImage(ctx, image)
		}(i, image)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *ProjectDeleter) isUpstreamGAR() bool {
	return strings.HasSuffix(d.upstreamHost(), ".pkg.dev")
}

func (d *ProjectDeleter) upstreamHost() string {
	s := strings.TrimPrefix(d.upstreamBaseURL, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

// listImages pages through the upstream's `_catalog` endpoint,
// returning every image name under org/project.
func (d *ProjectDeleter) listImages(ctx context.Context, org, project string) ([]string, error) {
	cred, err := d.broker.Acquire(ctx, challenge.NewScope(challenge.CatalogScope))
	if err != nil {
		return nil, fmt.Errorf("acquiring catalog credentials: %w", err)
	}

	prefix := project + "/"
	if org != "" {
		prefix = org + "/" + project + "/"
	}
	if d.upstreamPrefix != "" {
		prefix = d.upstreamPrefix + "/" + prefix
	}

	var images []string
	u := d.upstreamBaseURL + "/v2/_catalog?n=1000"
	for u != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		cred.Apply(req)
		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		var body catalogResponse
		decErr := json.NewDecoder(resp.Body).Decode(&body)
		next := nextCatalogLink(resp.Header.Get("Link"), d.upstreamBaseURL)
		resp.Body.Close()
		if decErr != nil {
			return nil, decErr
		}
		for _, name := range body.Repositories {
			if strings.HasPrefix(name, prefix) {
				images = append(images, name)
			}
		}
		u = next
	}
	return images, nil
}

func nextCatalogLink(link, base string) string {
	end := strings.IndexByte(link, '>')
	if !strings.HasPrefix(link, "<") || end < 0 {
		return ""
	}
	target := link[1:end]
	if strings.HasPrefix(target, "/") {
		return base + target
	}
	return target
}

// deleteImage deletes every tag/digest combination for one image. For
// a GAR upstream (host ending in ".pkg.dev"), tags must be deleted
// before the manifest they point at, or the manifest delete fails.
func (d *ProjectDeleter) deleteImage(ctx context.Context, image string) error {
	cred, err := d.broker.Acquire(ctx, challenge.NewScope(challenge.ResourceScope{
		ResourceType: "repository", Resource: image, Action: "*",
	}))
	if err != nil {
		return fmt.Errorf("acquiring delete credentials for %s: %w", image, err)
	}

	tags, err := d.listTags(ctx, cred, image)
	if err != nil {
		return fmt.Errorf("listing tags for %s: %w", image, err)
	}

	digestTags := make(map[string][]string)
	for _, tag := range tags {
		digest, err := d.tagDigest(ctx, cred, image, tag)
		if err != nil {
			return fmt.Errorf("resolving digest for %s:%s: %w", image, tag, err)
		}
		digestTags[digest] = append(digestTags[digest], tag)
	}

	for digest, tags := range digestTags {
		if d.isUpstreamGAR() {
			for _, tag := range tags {
				if err := d.deleteReference(ctx, cred, image, tag); err != nil {
					return fmt.Errorf("deleting tag %s:%s: %w", image, tag, err)
				}
			}
		}
		if err := d.deleteReference(ctx, cred, image, digest); err != nil {
			return fmt.Errorf("deleting manifest %s@%s: %w", image, digest, err)
		}
	}
	return nil
}

type tagsListResponse struct {
	Tags []string `json:"tags"`
}

func (d *ProjectDeleter) listTags(ctx context.Context, cred interface{ Apply(*http.Request) }, image string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.upstreamBaseURL+"/v2/"+image+"/tags/list", nil)
	if err != nil {
		return nil, err
	}
	cred.Apply(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body tagsListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Tags, nil
}

func (d *ProjectDeleter) tagDigest(ctx context.Context, cred interface{ Apply(*http.Request) }, image, tag string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.upstreamBaseURL+"/v2/"+image+"/manifests/"+tag, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")
	cred.Apply(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", fmt.Errorf("upstream did not return Docker-Content-Digest for %s:%s", image, tag)
	}
	return digest, nil
}

func (d *ProjectDeleter) deleteReference(ctx context.Context, cred interface{ Apply(*http.Request) }, image, ref string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.upstreamBaseURL+"/v2/"+image+"/manifests/"+ref, nil)
	if err != nil {
		return err
	}
	cred.Apply(req)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("upstream returned %d deleting %s@%s", resp.StatusCode, image, ref)
	}
	return nil
}
