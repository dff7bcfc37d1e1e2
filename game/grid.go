package game

import (
	"github.com/pkg/errors"
)

// DefaultSize 默认网格边长（9x9）
const DefaultSize = 9

// Cell 网格中的一个格子，Value 为 0 表示未填写
type Cell struct {
	Value int    `json:"value"`
	Owner string `json:"owner,omitempty"`
}

// Set 是否已经被写入
func (c Cell) Set() bool { return c.Value != 0 }

// Outcome 一次写入的结果
type Outcome int

const (
	// Applied 空格子被写入，作者得分
	Applied Outcome = iota + 1
	// Unchanged 重复写入相同的值，不产生任何变化
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Grid 会话的棋盘状态。非并发安全，由持有者加锁保护
type Grid struct {
	size  int
	cells [][]Cell
}

// NewGrid 创建 size x size 的空棋盘
func NewGrid(size int) *Grid {
	if size < 1 {
		size = DefaultSize
	}
	return &Grid{size: size, cells: createCells(size)}
}

func (g *Grid) Size() int { return g.size }

// InBounds 坐标是否在棋盘内
func (g *Grid) InBounds(row, col int) bool {
	return row >= 0 && row < g.size && col >= 0 && col < g.size
}

// Validate 校验坐标和数值，值域为 1..size
func (g *Grid) Validate(row, col, value int) error {
	if !g.InBounds(row, col) {
		return errors.Wrapf(ErrInvalidArgument, "cell (%d,%d) outside %dx%d grid", row, col, g.size, g.size)
	}
	if value < 1 || value > g.size {
		return errors.Wrapf(ErrInvalidArgument, "value %d outside 1..%d", value, g.size)
	}
	return nil
}

// Cell 读取单个格子
func (g *Grid) Cell(row, col int) (Cell, error) {
	if !g.InBounds(row, col) {
		return Cell{}, errors.Wrapf(ErrInvalidArgument, "cell (%d,%d) outside %dx%d grid", row, col, g.size, g.size)
	}
	return g.cells[row][col], nil
}

// Apply 按先写者胜策略写入格子：
// 空格子直接接受；相同的值视为重发，返回 Unchanged；不同的值返回 ErrConflict。
// 被拒绝的写入不会修改棋盘。
func (g *Grid) Apply(row, col, value int, player string) (Outcome, error) {
	if err := g.Validate(row, col, value); err != nil {
		return 0, err
	}
	cur := g.cells[row][col]
	switch {
	case !cur.Set():
		g.cells[row][col] = Cell{Value: value, Owner: player}
		return Applied, nil
	case cur.Value == value:
		return Unchanged, nil
	default:
		return 0, errors.Wrapf(ErrConflict, "cell (%d,%d) holds %d, got %d", row, col, cur.Value, value)
	}
}

// Cells 返回棋盘的深拷贝
func (g *Grid) Cells() [][]Cell {
	return deepCopyCells(g.cells)
}

// Replace 用完整快照覆盖本地棋盘（重新同步时使用）
func (g *Grid) Replace(cells [][]Cell) error {
	if len(cells) != g.size {
		return errors.Wrapf(ErrInvalidArgument, "snapshot has %d rows, want %d", len(cells), g.size)
	}
	for i := range cells {
		if len(cells[i]) != g.size {
			return errors.Wrapf(ErrInvalidArgument, "snapshot row %d has %d cells, want %d", i, len(cells[i]), g.size)
		}
	}
	g.cells = deepCopyCells(cells)
	return nil
}

// Filled 已填写的格子数
func (g *Grid) Filled() int {
	n := 0
	for y := range g.cells {
		for x := range g.cells[y] {
			if g.cells[y][x].Set() {
				n++
			}
		}
	}
	return n
}

func createCells(size int) [][]Cell {
	cells := make([][]Cell, size)
	for y := range cells {
		cells[y] = make([]Cell, size)
	}
	return cells
}

func deepCopyCells(cells [][]Cell) [][]Cell {
	out := make([][]Cell, len(cells))
	for i := range cells {
		out[i] = make([]Cell, len(cells[i]))
		copy(out[i], cells[i])
	}
	return out
}
