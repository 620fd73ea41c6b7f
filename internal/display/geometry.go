package display

import "fmt"

// Point is a position in the global coordinate space
type Point struct {
	X int
	Y int
}

func (p Point) String() string {
	return fmt.Sprintf("%d,%d", p.X, p.Y)
}

// Size is a width/height pair in pixels (or millimetres for physical sizes)
type Size struct {
	Width  int
	Height int
}

// Area returns Width*Height
func (s Size) Area() int {
	return s.Width * s.Height
}

// IsEmpty reports whether either dimension is not positive
func (s Size) IsEmpty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Transposed swaps width and height
func (s Size) Transposed() Size {
	return Size{Width: s.Height, Height: s.Width}
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Rect is an axis aligned rectangle
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Pos returns the top-left corner
func (r Rect) Pos() Point {
	return Point{X: r.X, Y: r.Y}
}

// Size returns the rectangle dimensions
func (r Rect) Size() Size {
	return Size{Width: r.Width, Height: r.Height}
}

// Right returns the exclusive right edge
func (r Rect) Right() int {
	return r.X + r.Width
}

// Bottom returns the exclusive bottom edge
func (r Rect) Bottom() int {
	return r.Y + r.Height
}

// IsEmpty reports whether the rectangle has no area
func (r Rect) IsEmpty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains checks if a point is within this rectangle
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X < r.Right() && p.Y >= r.Y && p.Y < r.Bottom()
}

// United returns the bounding rectangle of r and o. Empty rectangles are ignored.
func (r Rect) United(o Rect) Rect {
	if r.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return r
	}
	x1, y1 := min(r.X, o.X), min(r.Y, o.Y)
	x2, y2 := max(r.Right(), o.Right()), max(r.Bottom(), o.Bottom())
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}
