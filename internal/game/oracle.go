package game

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notnil/chess"

	"github.com/fianchetto/arbiter/internal/models"
)

// ErrIllegalMove covers every way a move descriptor can fail against a
// position: unparseable, ambiguous, or simply not legal. Callers never
// need to distinguish.
var ErrIllegalMove = errors.New("illegal move")

// MoveDescriptor is a proposed move, either as SAN or as an explicit
// from/to square pair with an optional promotion piece.
type MoveDescriptor struct {
	SAN       string
	From      string
	To        string
	Promotion string
}

// MoveResult describes a legally applied move.
type MoveResult struct {
	SAN       string
	From      string
	To        string
	Piece     string
	Captured  bool
	Check     bool
	Promotion string
}

// Board is the sole authority on chess legality and terminal detection
// for one game. Apply advances the board on success and leaves it
// untouched on error. A Board is not safe for concurrent use; each
// session owns its board exclusively.
type Board struct {
	g *chess.Game
}

// NewBoard returns a board at the standard starting position.
func NewBoard() *Board {
	return &Board{g: chess.NewGame()}
}

// NewBoardFromFEN returns a board at an arbitrary position. The move
// history starts empty, so repetition counting restarts from the given
// position.
func NewBoardFromFEN(fen string) (*Board, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return &Board{g: chess.NewGame(opt)}, nil
}

// Turn returns the side to move.
func (b *Board) Turn() models.Color {
	if b.g.Position().Turn() == chess.White {
		return models.White
	}
	return models.Black
}

// FEN serializes the current position.
func (b *Board) FEN() string {
	return b.g.Position().String()
}

// MoveCount returns the number of half-moves applied so far.
func (b *Board) MoveCount() int {
	return len(b.g.Moves())
}

// History returns the applied moves in SAN, oldest first.
func (b *Board) History() []string {
	moves := b.g.Moves()
	positions := b.g.Positions()
	sans := make([]string, 0, len(moves))
	for i, m := range moves {
		sans = append(sans, chess.AlgebraicNotation{}.Encode(positions[i], m))
	}
	return sans
}

// Apply validates and plays the described move. On success the board
// advances and the result carries the canonical SAN plus move flags; on
// failure the board is unchanged and ErrIllegalMove is returned.
func (b *Board) Apply(d MoveDescriptor) (MoveResult, error) {
	pos := b.g.Position()

	mv, err := b.resolve(pos, d)
	if err != nil {
		return MoveResult{}, ErrIllegalMove
	}

	san := chess.AlgebraicNotation{}.Encode(pos, mv)
	piece := pos.Board().Piece(mv.S1())

	if err := b.g.Move(mv); err != nil {
		return MoveResult{}, ErrIllegalMove
	}

	return MoveResult{
		SAN:       san,
		From:      mv.S1().String(),
		To:        mv.S2().String(),
		Piece:     pieceLetter(piece.Type()),
		Captured:  mv.HasTag(chess.Capture) || mv.HasTag(chess.EnPassant),
		Check:     mv.HasTag(chess.Check),
		Promotion: pieceLetter(mv.Promo()),
	}, nil
}

// resolve turns a descriptor into one of the position's valid moves so
// the returned move carries accurate tags.
func (b *Board) resolve(pos *chess.Position, d MoveDescriptor) (*chess.Move, error) {
	if san := strings.TrimSpace(d.SAN); san != "" {
		if mv, err := (chess.AlgebraicNotation{}).Decode(pos, san); err == nil {
			return mv, nil
		}
		// Some clients submit coordinate moves ("e2e4") in the SAN slot.
		if mv, err := (chess.UCINotation{}).Decode(pos, strings.ToLower(san)); err == nil {
			return b.matchValid(mv)
		}
		return nil, ErrIllegalMove
	}

	uci := strings.ToLower(strings.TrimSpace(d.From) + strings.TrimSpace(d.To) + strings.TrimSpace(d.Promotion))
	mv, err := chess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, ErrIllegalMove
	}
	return b.matchValid(mv)
}

// matchValid maps a bare from/to/promo move onto the equivalent entry in
// the valid-move list, which carries capture/check/castle tags.
func (b *Board) matchValid(mv *chess.Move) (*chess.Move, error) {
	for _, valid := range b.g.ValidMoves() {
		if valid.S1() == mv.S1() && valid.S2() == mv.S2() && valid.Promo() == mv.Promo() {
			return valid, nil
		}
	}
	return nil, ErrIllegalMove
}

// Terminal reports whether the position has ended the game and why.
// Claimable draws (threefold repetition, fifty-move rule) are adjudicated
// immediately: the server has no draw-claim exchange.
func (b *Board) Terminal() (models.EndReason, bool) {
	switch b.g.Method() {
	case chess.Checkmate:
		return models.EndCheckmate, true
	case chess.Stalemate:
		return models.EndStalemate, true
	case chess.InsufficientMaterial:
		return models.EndInsufficientMaterial, true
	case chess.ThreefoldRepetition, chess.FivefoldRepetition:
		return models.EndThreefold, true
	case chess.FiftyMoveRule, chess.SeventyFiveMoveRule:
		return models.EndFiftyMove, true
	}

	for _, m := range b.g.EligibleDraws() {
		switch m {
		case chess.ThreefoldRepetition:
			return models.EndThreefold, true
		case chess.FiftyMoveRule:
			return models.EndFiftyMove, true
		}
	}

	return "", false
}

func pieceLetter(t chess.PieceType) string {
	switch t {
	case chess.King:
		return "k"
	case chess.Queen:
		return "q"
	case chess.Rook:
		return "r"
	case chess.Bishop:
		return "b"
	case chess.Knight:
		return "n"
	case chess.Pawn:
		return "p"
	}
	return ""
}
