package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The tests in this file drive the testdata quiz definition end to end
// through Router and the manual clock, the same way a connected client
// and real time would.

func TestQuizFlow_StartMovesPlayerToFirstQuestion(t *testing.T) {
	r, _ := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)

	send(r, a, "start", nil)

	assert.Equal(t, "active", r.CurrentState())
	snap := r.Snapshot()
	assert.Equal(t, "question", at(t, snap, "players.A.phase"))
	assert.Equal(t, float64(0), at(t, snap, "players.A.questionIndex"))
	assert.Equal(t, float64(30), at(t, snap, "players.A.timeLeft"))
	assert.Equal(t, "What is the capital of France?", at(t, snap, "players.A.currentQuestion.text"))

	started := a.EventsNamed("quizStarted")
	assert.Len(t, started, 1, "entering active should broadcast quizStarted once")
}

func TestQuizFlow_CorrectAnswerScores(t *testing.T) {
	r, _ := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)
	send(r, a, "start", nil)

	send(r, a, "answer", map[string]any{"value": "2"})

	snap := r.Snapshot()
	assert.Equal(t, float64(1), at(t, snap, "players.A.score"))
	assert.Equal(t, "feedback", at(t, snap, "players.A.phase"))
	assert.Equal(t, true, at(t, snap, "players.A.showFeedback"))
}

func TestQuizFlow_WrongAnswerDoesNotScore(t *testing.T) {
	r, _ := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)
	send(r, a, "start", nil)

	send(r, a, "answer", map[string]any{"value": "0"})

	snap := r.Snapshot()
	assert.Equal(t, float64(0), at(t, snap, "players.A.score"))
	assert.Equal(t, "feedback", at(t, snap, "players.A.phase"),
		"a wrong answer still moves the player into feedback")
}

func TestQuizFlow_FeedbackAdvancesAfterDelay(t *testing.T) {
	r, clk := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)
	send(r, a, "start", nil)
	send(r, a, "answer", map[string]any{"value": "2"})

	clk.Advance(2999 * time.Millisecond)
	assert.Equal(t, "feedback", at(t, r.Snapshot(), "players.A.phase"),
		"the advance must not fire before the full delay elapsed")

	clk.Advance(1 * time.Millisecond)
	snap := r.Snapshot()
	assert.Equal(t, "question", at(t, snap, "players.A.phase"))
	assert.Equal(t, float64(1), at(t, snap, "players.A.questionIndex"))
	assert.Equal(t, false, at(t, snap, "players.A.showFeedback"))
	assert.Equal(t, float64(30), at(t, snap, "players.A.timeLeft"))
	assert.Equal(t, "The Earth is flat.", at(t, snap, "players.A.currentQuestion.text"))

	// The fired batch pushed a fresh snapshot without any client event.
	state := a.LastState()
	require.NotNil(t, state)
	assert.Equal(t, "question", at(t, state, "players.A.phase"))
}

func TestQuizFlow_AnswerOutsideQuestionPhaseIgnored(t *testing.T) {
	r, clk := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)
	send(r, a, "start", nil)
	send(r, a, "answer", map[string]any{"value": "2"})
	require.Equal(t, "feedback", at(t, r.Snapshot(), "players.A.phase"))

	// A second answer lands while the player sits in feedback.
	send(r, a, "answer", map[string]any{"value": "2"})

	snap := r.Snapshot()
	assert.Equal(t, float64(1), at(t, snap, "players.A.score"), "a duplicate answer must not double-score")

	// Only one advance was scheduled; time lands on question 1, not 2.
	clk.Advance(3 * time.Second)
	clk.Advance(3 * time.Second)
	assert.Equal(t, float64(1), at(t, r.Snapshot(), "players.A.questionIndex"))
}

func TestQuizFlow_CompletionAfterFinalQuestion(t *testing.T) {
	r, clk := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)
	send(r, a, "start", nil)

	for _, answer := range []string{"2", "false", "1", "1"} {
		send(r, a, "answer", map[string]any{"value": answer})
		clk.Advance(3 * time.Second)
	}

	snap := r.Snapshot()
	assert.Equal(t, "finished", at(t, snap, "players.A.phase"))
	assert.Equal(t, false, at(t, snap, "players.A.showFeedback"))
	assert.Equal(t, float64(4), at(t, snap, "players.A.score"))

	finished := a.EventsNamed("playerFinished")
	require.Len(t, finished, 1)
	assert.Equal(t, "A", finished[0].Payload["sessionId"])
}

func TestQuizFlow_PlayersProgressIndependently(t *testing.T) {
	r, clk := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	b := newMockClient("B", "Grace")
	r.HandleClientConnect(context.Background(), a)
	r.HandleClientConnect(context.Background(), b)

	send(r, a, "start", nil)
	send(r, a, "answer", map[string]any{"value": "2"})

	// B joins the quiz late, while A sits in feedback.
	send(r, b, "start", nil)

	snap := r.Snapshot()
	assert.Equal(t, "feedback", at(t, snap, "players.A.phase"))
	assert.Equal(t, float64(1), at(t, snap, "players.A.score"))
	assert.Equal(t, "question", at(t, snap, "players.B.phase"))
	assert.Equal(t, float64(0), at(t, snap, "players.B.score"))
	assert.Equal(t, float64(0), at(t, snap, "players.B.questionIndex"))

	// A's scheduled advance fires; B is untouched by it.
	clk.Advance(3 * time.Second)
	snap = r.Snapshot()
	assert.Equal(t, float64(1), at(t, snap, "players.A.questionIndex"))
	assert.Equal(t, "The Earth is flat.", at(t, snap, "players.A.currentQuestion.text"))
	assert.Equal(t, float64(0), at(t, snap, "players.B.questionIndex"))
	assert.Equal(t, "What is the capital of France?", at(t, snap, "players.B.currentQuestion.text"))
}

func TestQuizFlow_AnswerBeforeStartIgnored(t *testing.T) {
	r, _ := newQuizRoom(t, nil, nil)
	a := newMockClient("A", "Ada")
	r.HandleClientConnect(context.Background(), a)

	send(r, a, "answer", map[string]any{"value": "2"})

	assert.Equal(t, "waiting", r.CurrentState())
	snap := r.Snapshot()
	assert.Equal(t, float64(0), at(t, snap, "players.A.score"))
	assert.Equal(t, "waiting", at(t, snap, "players.A.phase"))
}
