package layer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ervanalb/lens/pkg/core"
)

func testRegistry(t *testing.T) *Registry {
	r := NewRegistry()
	require.NoError(t, r.Register("tagger", func(s Spec) (Layer, error) {
		tag := s.Args["tag"]
		if tag == "" {
			return nil, fmt.Errorf("tagger: tag is required")
		}
		return newTagger(s.InstanceName(), core.ExtKey(tag)), nil
	}))
	require.NoError(t, r.Register("plain", func(s Spec) (Layer, error) {
		return &struct{ Base }{Base: NewBase(s.InstanceName())}, nil
	}))
	return r
}

func TestRegistryBuild(t *testing.T) {
	r := testRegistry(t)
	w := newWire()
	g, err := r.Build(w, []Spec{
		{Type: "plain"},
		{Name: "leaf", Type: "tagger", Parent: "plain", Debug: true, Args: map[string]string{"tag": "k"}},
	})
	require.NoError(t, err)

	h, ok := g.Lookup("leaf")
	require.True(t, ok)
	leaf := g.Layer(h).(*tagger)
	assert.True(t, leaf.Debug)

	require.NoError(t, w.Bubble(core.Alice, tagged("k"), core.Raw([]byte("z"))))
	assert.Equal(t, []string{"z"}, leaf.reads)
	assert.Equal(t, []string{"plain", "tagger"}, r.Types())
}

func TestRegistryErrors(t *testing.T) {
	r := testRegistry(t)
	var se *StructuralError

	err := r.Register("plain", nil)
	assert.True(t, errors.As(err, &se))

	_, err = r.Build(newWire(), []Spec{{Type: "missing"}})
	assert.True(t, errors.As(err, &se))

	_, err = r.Build(newWire(), []Spec{{Type: "plain", Parent: "nowhere"}})
	assert.True(t, errors.As(err, &se))

	_, err = r.Build(newWire(), []Spec{{Type: "plain"}, {Type: "plain"}})
	assert.True(t, errors.As(err, &se), "duplicate instance names must be rejected")

	_, err = r.Build(newWire(), []Spec{{Type: "tagger"}})
	require.Error(t, err)
	assert.False(t, errors.As(err, &se))
}
