package roadmap

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chr1sbest/ralphd/internal/execerr"
)

const sample = `
phases:
  - id: phase-1
    title: Foundations
    goal: Lay the groundwork
    specs:
      - id: spec-a
        title: Parser
        tasks:
          - Tokenize input
          - title: Build AST
      - id: spec-b
        tasks: []
  - id: phase-2
    title: Polish
`

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/p/.ralph/phases.yaml", []byte(sample), 0o644))

	r, err := Load(fs, "/p/.ralph/phases.yaml")
	require.NoError(t, err)
	require.Len(t, r.Phases, 2)

	p, err := r.Phase("phase-1")
	require.NoError(t, err)
	assert.Equal(t, []Task{{Title: "Tokenize input"}, {Title: "Build AST"}}, p.Specs[0].Tasks)

	ps := p.PhaseSpec()
	assert.Equal(t, "Foundations", ps.Title)
	require.Len(t, ps.Specs, 2)
	assert.Equal(t, 2, ps.Specs[0].TaskCount)
	assert.Equal(t, "spec-b", ps.Specs[1].Title)
}

func TestPhaseNotFound(t *testing.T) {
	r, err := Parse([]byte(sample))
	require.NoError(t, err)
	_, err = r.Phase("phase-9")
	assert.Equal(t, execerr.CodePhaseNotFound, execerr.CodeOf(err))
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"missing id":     "phases:\n  - title: x\n",
		"duplicate spec": "phases:\n  - id: a\n    specs:\n      - id: s\n      - id: s\n",
		"bad yaml":       "phases: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, execerr.CodeProjectNotInitialized, execerr.CodeOf(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml")
	assert.Equal(t, execerr.CodeProjectNotInitialized, execerr.CodeOf(err))
}
