package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/thin-edge/tedge-agent-core/pkg/workflow"
)

// LogUpload reads the requested log type, applies the search and line
// limits from the command payload, stages the excerpt on the
// file-transfer service and records its URL as "tedgeUrl".
func (a *Actors) LogUpload(ctx context.Context, state *workflow.CommandState, report func(*workflow.CommandState)) {
	report(executing(state))

	logType, _ := state.ExtractValue(".payload.type")
	path, ok := a.LogPaths[logType.String()]
	if !ok {
		report(failed(state, fmt.Sprintf("unknown log type: %q", logType.String())))
		return
	}

	searchText, _ := state.ExtractValue(".payload.searchText")
	maximumLines, _ := state.ExtractValue(".payload.maximumLines")
	maxLines := int(maximumLines.Int())

	excerpt, err := readLogExcerpt(path, searchText.String(), maxLines)
	if err != nil {
		report(failed(state, fmt.Sprintf("reading log %q: %s", path, err)))
		return
	}

	staged := filepath.Join(a.TmpDir, fmt.Sprintf("log_upload-%s", logType.String()))
	if err := os.WriteFile(staged, []byte(excerpt), 0644); err != nil {
		report(failed(state, fmt.Sprintf("staging log excerpt: %s", err)))
		return
	}
	defer os.Remove(staged)

	url, err := a.Transfer.Put(ctx, a.ExternalID, "log_upload", filepath.Base(staged), staged)
	if err != nil {
		report(failed(state, fmt.Sprintf("uploading log excerpt: %s", err)))
		return
	}

	next := withField(state, "tedgeUrl", url)
	report(succeeded(next))
}

// readLogExcerpt filters the log file down to lines containing
// searchText (when set), keeping at most maxLines of the newest
// matches.
func readLogExcerpt(path string, searchText string, maxLines int) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if searchText != "" && !strings.Contains(line, searchText) {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}
