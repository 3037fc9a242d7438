package campaign

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"dirforge/internal/logging"
)

// controlFile is the name of the pause/resume drop file under the
// workspace dot-directory. A sibling CLI invocation writes "pause" or
// "resume" into it; the running orchestrator picks the command up through
// an fsnotify watch.
const controlFile = "control"

// WriteControl delivers a control command to whichever orchestrator is
// running in the workspace.
func WriteControl(workspace, command string) error {
	dir := filepath.Join(workspace, ".dirforge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}
	path := filepath.Join(dir, controlFile)
	if err := os.WriteFile(path, []byte(command+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write control file: %w", err)
	}
	return nil
}

// watchControlFile starts the control watcher. The returned watcher must
// be closed when the run loop exits; the done channel closes once the
// watch goroutine has fully stopped.
func (o *Orchestrator) watchControlFile() (*fsnotify.Watcher, <-chan struct{}, error) {
	dir := filepath.Join(o.workspace, ".dirforge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	// Watch the directory, not the file: editors and WriteFile replace the
	// file, and a direct file watch dies on the first replace.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != controlFile {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				o.applyControl(ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Campaign("Control watcher error: %v", err)
			}
		}
	}()

	logging.CampaignDebug("Watching control file in %s", dir)
	return watcher, done, nil
}

func (o *Orchestrator) applyControl(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Campaign("Could not read control file: %v", err)
		return
	}
	switch cmd := strings.TrimSpace(string(data)); cmd {
	case "pause":
		logging.Campaign("Control file: pause")
		o.RequestPause()
	case "resume":
		logging.Campaign("Control file: resume")
		o.Resume()
	case "":
		// Consumed commands leave an empty file behind.
	default:
		logging.Campaign("Ignoring unknown control command %q", cmd)
	}
	// Blank the file so a stale command does not refire on the next run.
	if err := os.WriteFile(path, nil, 0644); err != nil {
		logging.CampaignDebug("Could not clear control file: %v", err)
	}
}
