package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSceneOK(t *testing.T) {
	raw := []byte(`{"schema_version":"v1","scenario":"BALANCED","confidence":0.9,"signals":["ровный тон"]}`)

	norm, err := Validate(ShapeScene, raw)
	require.NoError(t, err)

	var v SceneAnalysis
	require.NoError(t, json.Unmarshal(norm, &v))
	assert.Equal(t, SceneBalanced, v.Scenario)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)
}

func TestValidateStripsCodeFences(t *testing.T) {
	raw := []byte("```json\n{\"schema_version\":\"v1\",\"scenario\":\"WARMING\",\"confidence\":0.5}\n```")

	norm, err := Validate(ShapeScene, raw)
	require.NoError(t, err)

	var v SceneAnalysis
	require.NoError(t, json.Unmarshal(norm, &v))
	assert.Equal(t, SceneWarming, v.Scenario)
}

func TestValidateSceneRejects(t *testing.T) {
	cases := map[string]string{
		"unknown scenario":    `{"scenario":"PARTY","confidence":0.5}`,
		"confidence too high": `{"scenario":"BALANCED","confidence":1.5}`,
		"negative confidence": `{"scenario":"BALANCED","confidence":-0.1}`,
		"not json":            `balanced, probably`,
		"empty":               ``,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(ShapeScene, []byte(raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateContext(t *testing.T) {
	ok := `{"schema_version":"v1","messages":[{"speaker":"them","text":"привет"},{"speaker":"me","text":"привет!"}]}`
	_, err := Validate(ShapeContext, []byte(ok))
	require.NoError(t, err)

	cases := map[string]string{
		"no messages":     `{"messages":[]}`,
		"unknown speaker": `{"messages":[{"speaker":"narrator","text":"hi"}]}`,
		"empty text":      `{"messages":[{"speaker":"me","text":"  "}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(ShapeContext, []byte(raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateReply(t *testing.T) {
	ok := `{"schema_version":"v1","replies":[{"text":"Привет! Как прошёл день?","score":0.9}]}`
	_, err := Validate(ShapeReply, []byte(ok))
	require.NoError(t, err)

	_, err = Validate(ShapeReply, []byte(`{"replies":[]}`))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Validate(ShapeReply, []byte(`{"replies":[{"text":"","score":0.1}]}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateIntimacy(t *testing.T) {
	_, err := Validate(ShapeIntimacy, []byte(`{"schema_version":"v1","pass":true}`))
	require.NoError(t, err)

	_, err = Validate(ShapeIntimacy, []byte(`{"pass":false,"reason":"слишком напористо"}`))
	require.NoError(t, err)

	// провал без причины бесполезен для регенерации
	_, err = Validate(ShapeIntimacy, []byte(`{"pass":false}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateUnknownShape(t *testing.T) {
	_, err := Validate("weather", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateNormalizesPayload(t *testing.T) {
	// лишние поля отбрасываются при нормализации
	raw := []byte(`{"scenario":"COOLING","confidence":0.4,"debug":"drop me"}`)
	norm, err := Validate(ShapeScene, raw)
	require.NoError(t, err)
	assert.NotContains(t, string(norm), "debug")
}
