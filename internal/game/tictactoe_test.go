package game

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMove(t *testing.T, g Engine, mark string, move interface{}) {
	t.Helper()
	raw, err := json.Marshal(move)
	require.NoError(t, err)
	require.NoError(t, g.Move(raw, mark))
}

func tttCell(c int) tttMove { return tttMove{Cell: c} }

func TestTicTacToeOpeningExchange(t *testing.T) {
	g := NewTicTacToe()
	require.Equal(t, "X", g.Turn(), "host moves first")

	mustMove(t, g, "X", tttCell(4))
	mustMove(t, g, "O", tttCell(0))

	board := g.Board()
	assert.Equal(t, "X", board[4])
	assert.Equal(t, "O", board[0])
	assert.Equal(t, "X", g.Turn(), "turn returns to the host")
	assert.Equal(t, StatusPlaying, g.Status())
}

func TestTicTacToeMoveValidation(t *testing.T) {
	g := NewTicTacToe()

	raw, _ := json.Marshal(tttCell(4))
	assert.ErrorIs(t, g.Move(raw, "O"), ErrWrongTurn)

	mustMove(t, g, "X", tttCell(4))
	assert.ErrorIs(t, g.Move(raw, "O"), ErrOccupied)

	bad, _ := json.Marshal(tttCell(9))
	assert.ErrorIs(t, g.Move(bad, "O"), ErrInvalidMove)

	assert.ErrorIs(t, g.Move([]byte(`not json`), "O"), ErrInvalidMove)
}

func TestTicTacToeTopRowWin(t *testing.T) {
	g := NewTicTacToe()
	// X X X / _ O O / _ _ _
	mustMove(t, g, "X", tttCell(0))
	mustMove(t, g, "O", tttCell(4))
	mustMove(t, g, "X", tttCell(1))
	mustMove(t, g, "O", tttCell(5))
	mustMove(t, g, "X", tttCell(2))

	assert.Equal(t, StatusWin, g.Status())
	assert.Equal(t, "X", g.Winner())
	assert.Equal(t, []int{0, 1, 2}, g.Line())

	raw, _ := json.Marshal(tttCell(6))
	assert.ErrorIs(t, g.Move(raw, "O"), ErrGameOver)
}

func TestTicTacToeDrawOnlyAfterNoLineCheck(t *testing.T) {
	g := NewTicTacToe()
	// Final board row-major: X O X / X O O / O X X, no line complete.
	seq := []struct {
		mark string
		cell int
	}{
		{"X", 0}, {"O", 1}, {"X", 2},
		{"O", 4}, {"X", 3}, {"O", 5},
		{"X", 7}, {"O", 6}, {"X", 8},
	}
	for _, s := range seq {
		mustMove(t, g, s.mark, tttCell(s.cell))
	}

	assert.Equal(t, StatusDraw, g.Status())
	assert.Empty(t, g.Winner())

	_, turn, winner := g.State()
	assert.Nil(t, turn)
	require.NotNil(t, winner)
	assert.Equal(t, DrawMark, *winner)
}

func TestTicTacToeDiagonalWin(t *testing.T) {
	g := NewTicTacToe()
	mustMove(t, g, "X", tttCell(0))
	mustMove(t, g, "O", tttCell(1))
	mustMove(t, g, "X", tttCell(4))
	mustMove(t, g, "O", tttCell(2))
	mustMove(t, g, "X", tttCell(8))

	assert.Equal(t, "X", g.Winner())
	assert.Equal(t, []int{0, 4, 8}, g.Line())
}

func TestTicTacToeSetStateOverwritesWholesale(t *testing.T) {
	g := NewTicTacToe()
	mustMove(t, g, "X", tttCell(4))

	board, _ := json.Marshal([]string{"O", "", "", "", "X", "", "", "", ""})
	turn := "O"
	require.NoError(t, g.SetState(board, &turn, nil))

	assert.Equal(t, "O", g.Board()[0])
	assert.Equal(t, "O", g.Turn())
	assert.Equal(t, StatusPlaying, g.Status())

	winner := "O"
	require.NoError(t, g.SetState(board, nil, &winner))
	assert.Equal(t, StatusWin, g.Status())
	assert.Equal(t, "O", g.Winner())
}

func TestTicTacToeReset(t *testing.T) {
	g := NewTicTacToe()
	mustMove(t, g, "X", tttCell(4))
	g.ForceWinner("O")
	g.Reset()

	assert.Equal(t, StatusPlaying, g.Status())
	assert.Equal(t, "X", g.Turn(), "host moves first after reset")
	for _, c := range g.Board() {
		assert.Empty(t, c)
	}
}
