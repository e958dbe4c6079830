// Package roadmap reads the phase plan a project keeps in .ralph/phases.yaml.
package roadmap

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/chr1sbest/ralphd/internal/execerr"
	"github.com/chr1sbest/ralphd/internal/execstate"
)

type Roadmap struct {
	Phases []Phase `yaml:"phases"`
}

type Phase struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Goal  string `yaml:"goal"`
	Specs []Spec `yaml:"specs"`
}

type Spec struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
	Tasks []Task `yaml:"tasks"`
}

// Task accepts either a bare string or a mapping with a title.
type Task struct {
	Title string `yaml:"title"`
}

func (t *Task) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Title = node.Value
		return nil
	}
	type plain Task
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = Task(p)
	return nil
}

// Load parses the roadmap file at path.
func Load(fs afero.Fs, path string) (*Roadmap, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, execerr.Wrap(execerr.CodeProjectNotInitialized, err, "failed to read roadmap "+path)
	}
	return Parse(b)
}

// Parse decodes and validates roadmap YAML.
func Parse(data []byte) (*Roadmap, error) {
	var r Roadmap
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, execerr.Wrap(execerr.CodeProjectNotInitialized, err, "invalid roadmap")
	}
	if err := r.validate(); err != nil {
		return nil, execerr.Wrap(execerr.CodeProjectNotInitialized, err, "invalid roadmap")
	}
	return &r, nil
}

func (r *Roadmap) validate() error {
	var errs []string
	phases := map[string]bool{}
	for i, p := range r.Phases {
		if p.ID == "" {
			errs = append(errs, fmt.Sprintf("phases[%d].id is required", i))
			continue
		}
		if phases[p.ID] {
			errs = append(errs, fmt.Sprintf("duplicate phase id %q", p.ID))
		}
		phases[p.ID] = true
		specs := map[string]bool{}
		for j, s := range p.Specs {
			if s.ID == "" {
				errs = append(errs, fmt.Sprintf("phases[%d].specs[%d].id is required", i, j))
				continue
			}
			if specs[s.ID] {
				errs = append(errs, fmt.Sprintf("phase %q: duplicate spec id %q", p.ID, s.ID))
			}
			specs[s.ID] = true
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Phase looks a phase up by id.
func (r *Roadmap) Phase(id string) (*Phase, error) {
	for i := range r.Phases {
		if r.Phases[i].ID == id {
			return &r.Phases[i], nil
		}
	}
	return nil, execerr.Newf(execerr.CodePhaseNotFound, "phase %q not found in roadmap", id)
}

// PhaseSpec converts the phase into the input for a new execution.
func (p *Phase) PhaseSpec() execstate.PhaseSpec {
	ps := execstate.PhaseSpec{
		PhaseID: p.ID,
		Title:   p.Title,
		Goal:    p.Goal,
	}
	for _, s := range p.Specs {
		title := s.Title
		if title == "" {
			title = s.ID
		}
		ps.Specs = append(ps.Specs, execstate.SpecDef{ID: s.ID, Title: title, TaskCount: len(s.Tasks)})
	}
	return ps
}
