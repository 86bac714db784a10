package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

type reports struct {
	states []*workflow.CommandState
}

func (r *reports) report(state *workflow.CommandState) {
	r.states = append(r.states, state)
}

func (r *reports) last() *workflow.CommandState {
	if len(r.states) == 0 {
		return nil
	}
	return r.states[len(r.states)-1]
}

const cmdTopic = "te/device/main///cmd/test/123"

func TestSoftwareUpdateRejectsUnknownAction(t *testing.T) {
	a := &Actors{}
	rec := &reports{}

	state := workflow.NewCommandState(cmdTopic, "scheduled", map[string]any{
		"updateList": []map[string]any{
			{"type": "container", "modules": []map[string]any{
				{"name": "app1", "version": "app1:latest", "action": "upgrade"},
			}},
		},
	})
	a.SoftwareUpdate(context.Background(), state, rec.report)

	require.NotEmpty(t, rec.states)
	assert.Equal(t, "executing", rec.states[0].Status)
	last := rec.last()
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, gjson.GetBytes(last.Payload, "reason").String(), `unknown action "upgrade"`)
}

func TestSoftwareUpdateRejectsUnsupportedType(t *testing.T) {
	a := &Actors{}
	rec := &reports{}

	state := workflow.NewCommandState(cmdTopic, "scheduled", map[string]any{
		"updateList": []map[string]any{
			{"type": "apt", "modules": []map[string]any{{"name": "vim", "action": "install"}}},
		},
	})
	a.SoftwareUpdate(context.Background(), state, rec.report)

	last := rec.last()
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, gjson.GetBytes(last.Payload, "reason").String(), "unsupported software type")
}

func TestConfigSnapshotUnknownType(t *testing.T) {
	a := &Actors{ConfigPaths: map[string]string{"tedge": "/etc/tedge/tedge.toml"}}
	rec := &reports{}

	state := workflow.NewCommandState(cmdTopic, "scheduled", map[string]any{"type": "mosquitto"})
	a.ConfigSnapshot(context.Background(), state, rec.report)

	last := rec.last()
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, gjson.GetBytes(last.Payload, "reason").String(), "unknown config type")
}

func TestLogUploadUnknownType(t *testing.T) {
	a := &Actors{LogPaths: map[string]string{}, TmpDir: t.TempDir()}
	rec := &reports{}

	state := workflow.NewCommandState(cmdTopic, "scheduled", map[string]any{"type": "syslog"})
	a.LogUpload(context.Background(), state, rec.report)

	last := rec.last()
	assert.Equal(t, "failed", last.Status)
}

func TestReadLogExcerptFiltersAndLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	content := "error: one\ninfo: skip me\nerror: two\nerror: three\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	excerpt, err := readLogExcerpt(path, "error", 2)
	require.NoError(t, err)
	assert.Equal(t, "error: two\nerror: three\n", excerpt)

	all, err := readLogExcerpt(path, "", 0)
	require.NoError(t, err)
	assert.Equal(t, content, all)
}

func TestFirmwareUpdateRequiresURL(t *testing.T) {
	a := &Actors{TmpDir: t.TempDir(), FirmwareDir: t.TempDir()}
	rec := &reports{}

	state := workflow.NewCommandState(cmdTopic, "scheduled", map[string]any{"name": "core-image"})
	a.FirmwareUpdate(context.Background(), state, rec.report)

	last := rec.last()
	assert.Equal(t, "failed", last.Status)
	assert.Contains(t, gjson.GetBytes(last.Payload, "reason").String(), "no remoteUrl or tedgeUrl")
}

func TestSoftwareCapabilityPayload(t *testing.T) {
	payload := SoftwareCapabilityPayload()
	types := gjson.GetBytes(payload, "types").Array()
	require.Len(t, types, 2)
	assert.Equal(t, "container", types[0].String())
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "core-image-1.2", sanitizeName("core image/1.2"))
	assert.Equal(t, "image", sanitizeName(""))
}
