package ralph

import (
	"github.com/spf13/afero"

	"github.com/chr1sbest/ralphd/internal/execstate"
	"github.com/chr1sbest/ralphd/internal/roadmap"
)

// PhaseSource resolves a phase id to the specs a run will execute.
type PhaseSource interface {
	Phase(phaseID string) (execstate.PhaseSpec, error)
}

// RoadmapSource reads the roadmap file on every lookup so edits between runs
// are picked up without restarting the server.
type RoadmapSource struct {
	fs   afero.Fs
	path string
}

func NewRoadmapSource(fs afero.Fs, path string) *RoadmapSource {
	return &RoadmapSource{fs: fs, path: path}
}

func (s *RoadmapSource) Phase(phaseID string) (execstate.PhaseSpec, error) {
	r, err := roadmap.Load(s.fs, s.path)
	if err != nil {
		return execstate.PhaseSpec{}, err
	}
	p, err := r.Phase(phaseID)
	if err != nil {
		return execstate.PhaseSpec{}, err
	}
	return p.PhaseSpec(), nil
}
