package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stateroom-dev/stateroom/internal/v1/paths"
)

// quizDSL mirrors the shape real definitions use: a root holding a
// players map, a Player referencing a Question declared later.
func quizDSL() *DSL {
	return &DSL{
		Root: "GameState",
		Classes: map[string]map[string]FieldSpec{
			"GameState": {
				"title":   {Type: "string"},
				"players": {Map: "Player"},
			},
			"Player": {
				"name":            {Type: "string"},
				"score":           {Type: "number"},
				"phase":           {Type: "string"},
				"questionIndex":   {Type: "number"},
				"timeLeft":        {Type: "number"},
				"showFeedback":    {Type: "boolean"},
				"currentQuestion": {Ref: "Question"},
				"answers":         {Array: "string"},
			},
			"Question": {
				"text":          {Type: "string"},
				"options":       {Array: "string"},
				"correctAnswer": {Type: "string"},
			},
		},
		Defaults: map[string]map[string]any{
			"GameState": {"title": "Quiz"},
			"Player": {
				"phase":         "waiting",
				"score":         float64(0),
				"questionIndex": float64(0),
				"showFeedback":  false,
			},
		},
	}
}

func TestBuild_ValidSchema(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	assert.Equal(t, "GameState", table.Root().Name)
	assert.Equal(t, []string{"GameState", "Player", "Question"}, table.ClassNames())

	player, ok := table.Class("Player")
	require.True(t, ok)

	cq, ok := player.Field("currentQuestion")
	require.True(t, ok)
	assert.Equal(t, KindRef, cq.Kind)
	assert.Equal(t, "Question", cq.Elem.Name, "forward refs must resolve in the second pass")

	answers, ok := player.Field("answers")
	require.True(t, ok)
	assert.Equal(t, KindArray, answers.Kind)
	assert.Equal(t, "string", answers.Primitive)
	assert.Nil(t, answers.Elem)
}

func TestBuild_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*DSL)
		wantMsg string
	}{
		{
			"missing root",
			func(d *DSL) { d.Root = "" },
			"schema.root is required",
		},
		{
			"root not declared",
			func(d *DSL) { d.Root = "Nope" },
			`schema.root "Nope" is not a declared class`,
		},
		{
			"unknown ref class",
			func(d *DSL) { d.Classes["Player"]["currentQuestion"] = FieldSpec{Ref: "Mystery"} },
			`ref class "Mystery" is not declared`,
		},
		{
			"unknown map class",
			func(d *DSL) { d.Classes["GameState"]["players"] = FieldSpec{Map: "Ghost"} },
			`map class "Ghost" is not declared`,
		},
		{
			"unknown primitive",
			func(d *DSL) { d.Classes["Player"]["score"] = FieldSpec{Type: "decimal"} },
			`unknown primitive type "decimal"`,
		},
		{
			"array of unknown element",
			func(d *DSL) { d.Classes["Player"]["answers"] = FieldSpec{Array: "int"} },
			"neither a primitive nor a declared class",
		},
		{
			"field with two kinds",
			func(d *DSL) { d.Classes["Player"]["score"] = FieldSpec{Type: "number", Ref: "Question"} },
			"exactly one of type/ref/map/array",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dsl := quizDSL()
			tc.mutate(dsl)
			_, err := Build(dsl)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestBuild_NilSchema(t *testing.T) {
	_, err := Build(nil)
	assert.Error(t, err)
}

func TestInstantiateWithDefaults(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	root, err := table.InstantiateWithDefaults()
	require.NoError(t, err)

	title, ok := root.GetField("title")
	assert.True(t, ok)
	assert.Equal(t, "Quiz", title)

	players, ok := root.GetField("players")
	require.True(t, ok)
	collection, ok := players.(*Collection)
	require.True(t, ok, "map fields initialise to collections")
	assert.Equal(t, 0, collection.Len())
	assert.Equal(t, "Player", collection.ElemClass().Name)
}

func TestNewWithDefaults_AppliesClassDefaults(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	player, err := table.NewWithDefaults("Player")
	require.NoError(t, err)

	phase, _ := player.GetField("phase")
	assert.Equal(t, "waiting", phase)
	score, _ := player.GetField("score")
	assert.Equal(t, float64(0), score)
	feedback, _ := player.GetField("showFeedback")
	assert.Equal(t, false, feedback)

	_, ok := player.GetField("name")
	assert.False(t, ok, "fields without defaults stay unset")
	_, ok = player.GetField("currentQuestion")
	assert.False(t, ok, "ref fields stay unset")
}

func TestDefaults_NonPrimitiveIgnored(t *testing.T) {
	dsl := quizDSL()
	dsl.Defaults["Player"]["currentQuestion"] = map[string]any{"text": "sneaky"}
	dsl.Defaults["Phantom"] = map[string]any{"x": 1}

	table, err := Build(dsl)
	require.NoError(t, err)

	player, err := table.NewWithDefaults("Player")
	require.NoError(t, err)
	_, ok := player.GetField("currentQuestion")
	assert.False(t, ok, "non-primitive defaults are ignored")
}

func TestInstance_FieldAccess(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	player, err := table.New("Player")
	require.NoError(t, err)

	t.Run("set and get declared field", func(t *testing.T) {
		require.NoError(t, player.SetField("name", "Ada"))
		v, ok := player.GetField("name")
		assert.True(t, ok)
		assert.Equal(t, "Ada", v)
	})

	t.Run("undeclared field rejected", func(t *testing.T) {
		err := player.SetField("cheats", true)
		assert.Error(t, err)
		_, ok := player.GetField("cheats")
		assert.False(t, ok)
	})

	t.Run("explicit nil is a write", func(t *testing.T) {
		require.NoError(t, player.SetField("name", nil))
		v, ok := player.GetField("name")
		assert.True(t, ok)
		assert.Nil(t, v)
	})
}

func TestInstance_EnsureField(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	player, err := table.New("Player")
	require.NoError(t, err)

	t.Run("unset ref creates an empty element", func(t *testing.T) {
		v, err := player.EnsureField("currentQuestion")
		require.NoError(t, err)
		q, ok := v.(*Instance)
		require.True(t, ok)
		assert.Equal(t, "Question", q.Class().Name)

		again, err := player.EnsureField("currentQuestion")
		require.NoError(t, err)
		assert.Same(t, q, again.(*Instance), "second ensure returns the same element")
	})

	t.Run("primitive cannot be descended", func(t *testing.T) {
		_, err := player.EnsureField("score")
		assert.Error(t, err)
	})

	t.Run("undeclared field errors", func(t *testing.T) {
		_, err := player.EnsureField("nope")
		assert.Error(t, err)
	})
}

func TestInstance_AssignField(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	t.Run("primitive", func(t *testing.T) {
		player, err := table.New("Player")
		require.NoError(t, err)
		require.NoError(t, player.AssignField("score", float64(7)))
		v, _ := player.GetField("score")
		assert.Equal(t, float64(7), v)
	})

	t.Run("array coerces to sequence", func(t *testing.T) {
		player, err := table.New("Player")
		require.NoError(t, err)
		require.NoError(t, player.AssignField("answers", []any{"2", "false"}))

		seq, ok := mustField(t, player, "answers").(*Sequence)
		require.True(t, ok, "plain arrays become sequences")
		assert.Equal(t, []any{"2", "false"}, seq.Items())
	})

	t.Run("ref record coerces to nested instance with defaults", func(t *testing.T) {
		player, err := table.New("Player")
		require.NoError(t, err)
		require.NoError(t, player.AssignField("currentQuestion", map[string]any{
			"text":          "Capital of France?",
			"correctAnswer": "2",
			"options":       []any{"London", "Berlin", "Paris"},
		}))

		q, ok := mustField(t, player, "currentQuestion").(*Instance)
		require.True(t, ok)
		assert.Equal(t, "Question", q.Class().Name)
		text, _ := q.GetField("text")
		assert.Equal(t, "Capital of France?", text)
		opts, ok := mustField(t, q, "options").(*Sequence)
		require.True(t, ok)
		assert.Equal(t, 3, opts.Len())
	})

	t.Run("map coerces to keyed collection", func(t *testing.T) {
		root, err := table.New("GameState")
		require.NoError(t, err)
		require.NoError(t, root.AssignField("players", map[string]any{
			"B": map[string]any{"name": "Ada"},
			"A": map[string]any{"name": "Lin"},
		}))

		players, ok := mustField(t, root, "players").(*Collection)
		require.True(t, ok)
		assert.Equal(t, []string{"A", "B"}, players.Keys(), "entries are inserted in key order")
		a, _ := players.GetKey("A")
		phase, _ := a.(*Instance).GetField("phase")
		assert.Equal(t, "waiting", phase, "element defaults apply")
	})

	t.Run("undeclared field errors", func(t *testing.T) {
		player, err := table.New("Player")
		require.NoError(t, err)
		assert.Error(t, player.AssignField("cheats", true))
	})

	t.Run("record with undeclared key errors", func(t *testing.T) {
		player, err := table.New("Player")
		require.NoError(t, err)
		err = player.AssignField("currentQuestion", map[string]any{"hint": "none"})
		assert.ErrorContains(t, err, `no field "hint"`)
	})
}

func mustField(t *testing.T, inst *Instance, name string) any {
	t.Helper()
	v, ok := inst.GetField(name)
	require.True(t, ok, "field %s should be set", name)
	return v
}

func TestCollection_Basics(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	root, err := table.InstantiateWithDefaults()
	require.NoError(t, err)
	playersAny, _ := root.GetField("players")
	players := playersAny.(*Collection)

	a, err := table.NewWithDefaults("Player")
	require.NoError(t, err)
	b, err := table.NewWithDefaults("Player")
	require.NoError(t, err)

	require.NoError(t, players.SetKey("A", a))
	require.NoError(t, players.SetKey("B", b))

	assert.Equal(t, 2, players.Len())
	assert.Equal(t, []string{"A", "B"}, players.Keys(), "insertion order")

	got, ok := players.GetKey("A")
	assert.True(t, ok)
	assert.Same(t, a, got.(*Instance))

	t.Run("replace keeps position", func(t *testing.T) {
		c, err := table.NewWithDefaults("Player")
		require.NoError(t, err)
		require.NoError(t, players.SetKey("A", c))
		assert.Equal(t, []string{"A", "B"}, players.Keys())
	})

	t.Run("delete", func(t *testing.T) {
		assert.True(t, players.Delete("A"))
		assert.False(t, players.Delete("A"))
		assert.Equal(t, []string{"B"}, players.Keys())
	})
}

func TestCollection_EnsureKeyCreatesTypedElement(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	root, err := table.InstantiateWithDefaults()
	require.NoError(t, err)
	playersAny, _ := root.GetField("players")
	players := playersAny.(*Collection)

	v, err := players.EnsureKey("ghost")
	require.NoError(t, err)
	inst, ok := v.(*Instance)
	require.True(t, ok)
	assert.Equal(t, "Player", inst.Class().Name)
	assert.Equal(t, 1, players.Len())
}

func TestSequence_Basics(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	player, err := table.New("Player")
	require.NoError(t, err)
	answersAny, _ := player.GetField("answers")
	answers := answersAny.(*Sequence)

	answers.Append("2")
	answers.Append("true")

	assert.Equal(t, 2, answers.Len())
	v, ok := answers.At(1)
	assert.True(t, ok)
	assert.Equal(t, "true", v)
	_, ok = answers.At(5)
	assert.False(t, ok)
	assert.Equal(t, []any{"2", "true"}, answers.Items())
}

func TestPathsIntegration(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	root, err := table.InstantiateWithDefaults()
	require.NoError(t, err)

	t.Run("set through collection creates the player", func(t *testing.T) {
		require.NoError(t, paths.Set(root, "players.A.score", float64(5)))

		v, ok := paths.Get(root, "players.A.score")
		assert.True(t, ok)
		assert.Equal(t, float64(5), v)
	})

	t.Run("set through an unset ref creates the element", func(t *testing.T) {
		require.NoError(t, paths.Set(root, "players.A.currentQuestion.text", "Q?"))

		v, ok := paths.Get(root, "players.A.currentQuestion.text")
		assert.True(t, ok)
		assert.Equal(t, "Q?", v)
	})

	t.Run("undeclared field surfaces an error", func(t *testing.T) {
		err := paths.Set(root, "players.A.cheats", true)
		assert.Error(t, err)
	})

	t.Run("descending through a primitive surfaces an error", func(t *testing.T) {
		err := paths.Set(root, "players.A.score.deep", 1)
		assert.Error(t, err)
	})
}

func TestPlainAndMarshal(t *testing.T) {
	table, err := Build(quizDSL())
	require.NoError(t, err)

	root, err := table.InstantiateWithDefaults()
	require.NoError(t, err)
	require.NoError(t, paths.Set(root, "players.A.name", "Ada"))
	require.NoError(t, paths.Set(root, "players.A.score", float64(2)))

	plain := root.Plain()
	assert.Equal(t, "Quiz", plain["title"])
	players := plain["players"].(map[string]any)
	ada := players["A"].(map[string]any)
	assert.Equal(t, "Ada", ada["name"])
	assert.Equal(t, float64(2), ada["score"])

	t.Run("plain is detached from live state", func(t *testing.T) {
		ada["score"] = float64(99)
		v, _ := paths.Get(root, "players.A.score")
		assert.Equal(t, float64(2), v)
	})

	t.Run("marshal round-trips as plain JSON", func(t *testing.T) {
		raw, err := json.Marshal(root)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "Quiz", decoded["title"])
		assert.Equal(t, "Ada", decoded["players"].(map[string]any)["A"].(map[string]any)["name"])
	})

	t.Run("marshal is deterministic", func(t *testing.T) {
		first, err := json.Marshal(root)
		require.NoError(t, err)
		second, err := json.Marshal(root)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	})
}
