package game

import "encoding/json"

// The 8 winning lines of the 3x3 grid: rows, columns, diagonals.
var tttLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// TicTacToe is the three-in-a-row engine. Host plays X and moves
// first; guest plays O. Cells are indexed 0..8 row-major.
type TicTacToe struct {
	board  []string
	turn   string
	status Status
	winner string
	line   []int
}

func NewTicTacToe() *TicTacToe {
	g := &TicTacToe{}
	g.Reset()
	return g
}

func (g *TicTacToe) Key() string       { return "ttt" }
func (g *TicTacToe) HostMark() string  { return "X" }
func (g *TicTacToe) GuestMark() string { return "O" }

func (g *TicTacToe) Reset() {
	g.board = make([]string, 9)
	g.turn = g.HostMark()
	g.status = StatusPlaying
	g.winner = ""
	g.line = nil
}

type tttMove struct {
	Cell int `json:"cell"`
}

func (g *TicTacToe) Move(payload json.RawMessage, asMark string) error {
	var mv tttMove
	if err := json.Unmarshal(payload, &mv); err != nil {
		return ErrInvalidMove
	}
	if g.status != StatusPlaying {
		return ErrGameOver
	}
	if asMark != g.turn {
		return ErrWrongTurn
	}
	if mv.Cell < 0 || mv.Cell > 8 {
		return ErrInvalidMove
	}
	if g.board[mv.Cell] != "" {
		return ErrOccupied
	}

	g.board[mv.Cell] = asMark
	g.evaluate()
	if g.status == StatusPlaying {
		if g.turn == g.HostMark() {
			g.turn = g.GuestMark()
		} else {
			g.turn = g.HostMark()
		}
	}
	return nil
}

// evaluate recomputes the terminal state. The draw check runs only
// after confirming no line is complete.
func (g *TicTacToe) evaluate() {
	for _, l := range tttLines {
		v := g.board[l[0]]
		if v != "" && v == g.board[l[1]] && v == g.board[l[2]] {
			g.status = StatusWin
			g.winner = v
			g.line = []int{l[0], l[1], l[2]}
			return
		}
	}
	for _, c := range g.board {
		if c == "" {
			return
		}
	}
	g.status = StatusDraw
}

func (g *TicTacToe) State() (json.RawMessage, *string, *string) {
	raw, _ := json.Marshal(g.board)
	return raw, wireTurn(g.status, g.turn), wireWinner(g.status, g.winner)
}

func (g *TicTacToe) SetState(board json.RawMessage, turn, winner *string) error {
	var cells []string
	if err := json.Unmarshal(board, &cells); err != nil {
		return err
	}
	if len(cells) != 9 {
		return ErrInvalidMove
	}
	g.board = cells
	g.line = nil
	switch {
	case winner == nil:
		g.status = StatusPlaying
		g.winner = ""
		if turn != nil {
			g.turn = *turn
		}
	case *winner == DrawMark:
		g.status = StatusDraw
		g.winner = ""
	default:
		g.status = StatusWin
		g.winner = *winner
	}
	return nil
}

func (g *TicTacToe) ForceWinner(winner string) {
	if winner == DrawMark {
		g.status = StatusDraw
		g.winner = ""
		return
	}
	g.status = StatusWin
	g.winner = winner
}

func (g *TicTacToe) Status() Status { return g.status }
func (g *TicTacToe) Turn() string   { return g.turn }
func (g *TicTacToe) Winner() string { return g.winner }

// Line returns the completed line's cell indexes, nil unless won.
func (g *TicTacToe) Line() []int { return g.line }

// Board returns the cells row-major; empty cells are "".
func (g *TicTacToe) Board() []string {
	out := make([]string, len(g.board))
	copy(out, g.board)
	return out
}
