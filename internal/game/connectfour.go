package game

import "encoding/json"

const (
	c4Rows = 6
	c4Cols = 7
)

// The four scan directions: horizontal, vertical, both diagonals.
var c4Dirs = [4][2]int{{0, 1}, {1, 0}, {1, 1}, {1, -1}}

// ConnectFour is the four-in-a-row drop engine on a 7x6 grid. Host
// plays R and moves first; guest plays Y. Row 0 is the top; pieces
// settle on the lowest empty row of a column.
type ConnectFour struct {
	grid   [][]string
	turn   string
	status Status
	winner string
}

func NewConnectFour() *ConnectFour {
	g := &ConnectFour{}
	g.Reset()
	return g
}

func (g *ConnectFour) Key() string       { return "c4" }
func (g *ConnectFour) HostMark() string  { return "R" }
func (g *ConnectFour) GuestMark() string { return "Y" }

func (g *ConnectFour) Reset() {
	g.grid = make([][]string, c4Rows)
	for r := range g.grid {
		g.grid[r] = make([]string, c4Cols)
	}
	g.turn = g.HostMark()
	g.status = StatusPlaying
	g.winner = ""
}

type c4Move struct {
	Col int `json:"col"`
}

func (g *ConnectFour) Move(payload json.RawMessage, asMark string) error {
	var mv c4Move
	if err := json.Unmarshal(payload, &mv); err != nil {
		return ErrInvalidMove
	}
	if g.status != StatusPlaying {
		return ErrGameOver
	}
	if asMark != g.turn {
		return ErrWrongTurn
	}
	if mv.Col < 0 || mv.Col >= c4Cols {
		return ErrInvalidMove
	}

	row := -1
	for r := c4Rows - 1; r >= 0; r-- {
		if g.grid[r][mv.Col] == "" {
			row = r
			break
		}
	}
	if row < 0 {
		return ErrColumnFull
	}

	g.grid[row][mv.Col] = asMark
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

// evaluate scans every occupied cell in the four directions for a run
// of length four or more, then checks the full-board draw.
func (g *ConnectFour) evaluate() {
	for r := 0; r < c4Rows; r++ {
		for c := 0; c < c4Cols; c++ {
			val := g.grid[r][c]
			if val == "" {
				continue
			}
			for _, d := range c4Dirs {
				run := 1
				rr, cc := r+d[0], c+d[1]
				for rr >= 0 && rr < c4Rows && cc >= 0 && cc < c4Cols && g.grid[rr][cc] == val {
					run++
					rr += d[0]
					cc += d[1]
				}
				if run >= 4 {
					g.status = StatusWin
					g.winner = val
					return
				}
			}
		}
	}
	for r := 0; r < c4Rows; r++ {
		for c := 0; c < c4Cols; c++ {
			if g.grid[r][c] == "" {
				return
			}
		}
	}
	g.status = StatusDraw
}

func (g *ConnectFour) State() (json.RawMessage, *string, *string) {
	raw, _ := json.Marshal(g.grid)
	return raw, wireTurn(g.status, g.turn), wireWinner(g.status, g.winner)
}

func (g *ConnectFour) SetState(board json.RawMessage, turn, winner *string) error {
	var grid [][]string
	if err := json.Unmarshal(board, &grid); err != nil {
		return err
	}
	if len(grid) != c4Rows {
		return ErrInvalidMove
	}
	for _, row := range grid {
		if len(row) != c4Cols {
			return ErrInvalidMove
		}
	}
	g.grid = grid
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

func (g *ConnectFour) ForceWinner(winner string) {
	if winner == DrawMark {
		g.status = StatusDraw
		g.winner = ""
		return
	}
	g.status = StatusWin
	g.winner = winner
}

func (g *ConnectFour) Status() Status { return g.status }
func (g *ConnectFour) Turn() string   { return g.turn }
func (g *ConnectFour) Winner() string { return g.winner }

// Grid returns a copy of the board, rows top to bottom.
func (g *ConnectFour) Grid() [][]string {
	out := make([][]string, len(g.grid))
	for r, row := range g.grid {
		out[r] = append([]string(nil), row...)
	}
	return out
}
