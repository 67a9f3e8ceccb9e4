package game

import (
	"encoding/json"
	"errors"
)

// Role mirrors the peer session role: the initiator hosts the game and
// owns the authoritative board, the responder is the guest.
type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Status is the terminal dimension of a game.
type Status string

const (
	StatusPlaying Status = "playing"
	StatusWin     Status = "win"
	StatusDraw    Status = "draw"
)

// DrawMark is the wire value for the winner field on a draw.
const DrawMark = "T"

var (
	ErrWrongTurn   = errors.New("not this player's turn")
	ErrOccupied    = errors.New("cell is occupied")
	ErrColumnFull  = errors.New("column is full")
	ErrGameOver    = errors.New("game already decided")
	ErrInvalidMove = errors.New("invalid move")
	ErrNotHost     = errors.New("only the host may do this")
)

// Engine is one mini-game board as driven by a Session. Engines are
// not safe for concurrent use; the owning Session serializes access.
type Engine interface {
	// Key names the game on the wire (e.g. "ttt", "c4").
	Key() string
	HostMark() string
	GuestMark() string

	// Move applies a wire move request on behalf of mark.
	Move(payload json.RawMessage, asMark string) error
	// State returns the authoritative wire state: the board document,
	// the mark to move (nil once decided) and the winner (nil while
	// playing, DrawMark on a draw).
	State() (board json.RawMessage, turn, winner *string)
	// SetState overwrites the local state wholesale, no merging.
	SetState(board json.RawMessage, turn, winner *string) error
	// ForceWinner marks the game decided, independent of the board.
	ForceWinner(winner string)
	// Reset returns to an empty board with the host moving first.
	Reset()

	Status() Status
	Turn() string
	Winner() string
}

// wireWinner encodes a terminal result for the state payload.
func wireWinner(status Status, winner string) *string {
	switch status {
	case StatusWin:
		w := winner
		return &w
	case StatusDraw:
		w := DrawMark
		return &w
	default:
		return nil
	}
}

// wireTurn encodes the mark to move, nil once the game is decided.
func wireTurn(status Status, turn string) *string {
	if status != StatusPlaying {
		return nil
	}
	t := turn
	return &t
}
