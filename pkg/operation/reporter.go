package operation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"github.com/thin-edge/tedge-agent-core/pkg/cloud/c8y"
)

// CloudReporter turns command-state changes into the Cumulocity-visible
// lifecycle: SmartREST status notifications on executing/failed, and on
// success for upload-style operations, an event carrying the staged blob
// as its binary attachment.
type CloudReporter struct {
	Notifier       *c8y.Notifier
	Client         *c8y.Client
	Downloader     *Downloader
	MainExternalID string
	TmpDir         string

	// ResolveExternalID maps an entity topic id to its cloud-visible
	// external id, normally backed by the entity store. Unresolvable
	// entities report against the main device.
	ResolveExternalID func(topicID string) string
}

// Task is the TaskFunc the handler runs per command status.
func (r *CloudReporter) Task(ctx context.Context, ev Event) error {
	fragment := c8y.OperationFragment(ev.Operation)
	externalID := r.externalIDFor(ev)

	switch ev.Status {
	case "executing":
		return r.Notifier.SetExecuting(externalID, fragment)
	case "failed":
		reason := ev.Reason()
		if reason == "" {
			reason = fmt.Sprintf("%s failed", ev.Operation)
		}
		return r.Notifier.SetFailed(externalID, fragment, reason)
	case "successful":
		params, err := r.finalize(ctx, ev, externalID)
		if err != nil {
			return r.Notifier.SetFailed(externalID, fragment, err.Error())
		}
		return r.Notifier.SetSuccessful(externalID, fragment, params...)
	default:
		// Intermediate workflow states are local-only.
		return nil
	}
}

func (r *CloudReporter) externalIDFor(ev Event) string {
	if ev.Target.ExternalID() != "" {
		return ev.Target.ExternalID()
	}
	if r.ResolveExternalID != nil {
		if id := r.ResolveExternalID(ev.Target.TopicID); id != "" {
			return id
		}
	}
	return r.MainExternalID
}

// finalize performs the operation-specific success work and returns the
// trailing SmartREST parameters. log_upload and config_snapshot carry a
// staged blob ("tedgeUrl" in the command payload) that becomes an event
// binary; everything else succeeds with no parameters.
func (r *CloudReporter) finalize(ctx context.Context, ev Event, externalID string) ([]string, error) {
	switch ev.Operation {
	case "log_upload", "config_snapshot":
		tedgeURL := gjson.GetBytes(ev.Payload, "tedgeUrl").String()
		if tedgeURL == "" {
			return nil, fmt.Errorf("command payload has no tedgeUrl to upload")
		}
		eventType := gjson.GetBytes(ev.Payload, "type").String()
		if eventType == "" {
			eventType = ev.Operation
		}

		local := filepath.Join(r.TmpDir, fmt.Sprintf("%s-%s", ev.Operation, ev.CmdID))
		path, _, err := r.Downloader.Download(ctx, tedgeURL, local)
		if err != nil {
			return nil, fmt.Errorf("fetching staged blob: %w", err)
		}
		defer os.Remove(path)

		eventID, err := r.Client.CreateEvent(ctx, externalID, eventType, fmt.Sprintf("%s result", ev.Operation))
		if err != nil {
			return nil, err
		}
		if err := r.Client.UploadEventBinary(ctx, eventID, path); err != nil {
			return nil, err
		}
		return []string{eventID}, nil
	default:
		return nil, nil
	}
}
