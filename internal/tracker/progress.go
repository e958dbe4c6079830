package tracker

import "github.com/spf13/afero"

// Progress is what the ralph worker writes to .ralph/progress.json as it
// moves through specs and tasks.
type Progress struct {
	SpecID       string `json:"spec_id"`
	TaskIndex    int    `json:"task_index"`
	CurrentTask  string `json:"current_task"`
	SpecStatus   string `json:"spec_status,omitempty"`
	SpecProgress int    `json:"spec_progress"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// ReadProgress parses the worker progress file at path.
func ReadProgress(fs afero.Fs, path string) (*Progress, bool, error) {
	var p Progress
	ok, err := ReadJSON(fs, path, &p)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &p, true, nil
}

// WriteProgress writes p atomically. The worker owns this file; the server
// only writes it in tests and when replaying a progress snapshot.
func WriteProgress(fs afero.Fs, path string, p Progress) error {
	return WriteJSONAtomic(fs, path, p)
}
