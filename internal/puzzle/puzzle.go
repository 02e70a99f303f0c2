// internal/puzzle/puzzle.go
package puzzle

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Size is the edge length of a board; BoxSize the edge of one sub-box.
const (
	Size    = 9
	BoxSize = 3
)

// Difficulty names accepted by Generate and the number of removal attempts each makes.
var removalAttempts = map[string]int{
	"easy":   40,
	"medium": 50,
	"hard":   60,
}

// ErrUnknownDifficulty is returned for a difficulty name Generate does not know.
var ErrUnknownDifficulty = errors.New("unknown difficulty")

// CheckDifficulty reports whether difficulty names a known level, case-insensitively.
func CheckDifficulty(difficulty string) error {
	if _, ok := removalAttempts[strings.ToLower(difficulty)]; !ok {
		return fmt.Errorf("%w %q", ErrUnknownDifficulty, difficulty)
	}
	return nil
}

// Grid is a 9x9 board; 0 marks an empty cell.
type Grid [Size][Size]int

// IsEmpty reports whether (row, col) holds no digit.
func (g *Grid) IsEmpty(row, col int) bool { return g[row][col] == 0 }

// EmptyCellCount counts the cells a player has to fill.
func EmptyCellCount(g Grid) int {
	n := 0
	for r := range g {
		for c := range g[r] {
			if g[r][c] == 0 {
				n++
			}
		}
	}
	return n
}

// Provider hands out a fresh (solution, puzzle) pair per round.
type Provider interface {
	Generate(difficulty string) (solution, puzzle Grid, err error)
}

// Generator builds random boards by backtracking and then removes digits while
// the puzzle keeps exactly one solution.
type Generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a generator seeded with seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Generate returns a full solution and the puzzle derived from it.
func (g *Generator) Generate(difficulty string) (Grid, Grid, error) {
	if err := CheckDifficulty(difficulty); err != nil {
		return Grid{}, Grid{}, err
	}
	attempts := removalAttempts[strings.ToLower(difficulty)]

	g.mu.Lock()
	defer g.mu.Unlock()

	var solution Grid
	if !g.fill(&solution, 0) {
		return Grid{}, Grid{}, fmt.Errorf("failed to fill board")
	}
	board := solution
	g.removeNumbers(&board, attempts)
	return solution, board, nil
}

// fill completes the grid from cell index pos onward with shuffled candidates.
func (g *Generator) fill(b *Grid, pos int) bool {
	if pos == Size*Size {
		return true
	}
	r, c := pos/Size, pos%Size
	digits := []int{1, 2, 3, 4, 5, 6, 7, 8, 9}
	g.rng.Shuffle(len(digits), func(i, j int) { digits[i], digits[j] = digits[j], digits[i] })
	for _, d := range digits {
		if canPlace(b, r, c, d) {
			b[r][c] = d
			if g.fill(b, pos+1) {
				return true
			}
			b[r][c] = 0
		}
	}
	return false
}

// removeNumbers clears up to attempts random cells, restoring any removal that
// would make the solution ambiguous.
func (g *Generator) removeNumbers(b *Grid, attempts int) {
	cells := g.rng.Perm(Size * Size)
	for _, pos := range cells {
		if attempts == 0 {
			return
		}
		r, c := pos/Size, pos%Size
		if b[r][c] == 0 {
			continue
		}
		attempts--
		kept := b[r][c]
		b[r][c] = 0
		probe := *b
		if countSolutions(&probe, 2) != 1 {
			b[r][c] = kept
		}
	}
}

// countSolutions counts solutions of b up to limit.
func countSolutions(b *Grid, limit int) int {
	r, c, found := firstEmpty(b)
	if !found {
		return 1
	}
	total := 0
	for d := 1; d <= Size; d++ {
		if !canPlace(b, r, c, d) {
			continue
		}
		b[r][c] = d
		total += countSolutions(b, limit-total)
		b[r][c] = 0
		if total >= limit {
			break
		}
	}
	return total
}

func firstEmpty(b *Grid) (int, int, bool) {
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			if b[r][c] == 0 {
				return r, c, true
			}
		}
	}
	return 0, 0, false
}

func canPlace(b *Grid, row, col, d int) bool {
	for i := 0; i < Size; i++ {
		if b[row][i] == d || b[i][col] == d {
			return false
		}
	}
	br, bc := row-row%BoxSize, col-col%BoxSize
	for r := br; r < br+BoxSize; r++ {
		for c := bc; c < bc+BoxSize; c++ {
			if b[r][c] == d {
				return false
			}
		}
	}
	return true
}

// Valid reports whether a complete grid satisfies every row, column and box rule.
func Valid(b Grid) bool {
	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			d := b[r][c]
			if d < 1 || d > Size {
				return false
			}
			b[r][c] = 0
			ok := canPlace(&b, r, c, d)
			b[r][c] = d
			if !ok {
				return false
			}
		}
	}
	return true
}
