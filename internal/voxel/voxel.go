package voxel

import (
	"fmt"
	"strconv"
	"strings"
)

// Pos is an integer grid position. It is the unique key of a voxel.
type Pos struct {
	X, Y, Z int
}

func (p Pos) Add(o Pos) Pos { return Pos{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z} }

func (p Pos) String() string { return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z) }

// Color is a 24-bit RGB value (0xRRGGBB).
type Color uint32

// ParseColor accepts "#RRGGBB", "RRGGBB", "#RGB" and "0xRRGGBB" (case-insensitive).
func ParseColor(s string) (Color, error) {
	h := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(h, "#"):
		h = h[1:]
	case strings.HasPrefix(h, "0x"), strings.HasPrefix(h, "0X"):
		h = h[2:]
	}
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return 0, fmt.Errorf("bad color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("bad color %q", s)
	}
	return Color(v), nil
}

func MustColor(s string) Color {
	c, err := ParseColor(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Color) String() string { return fmt.Sprintf("#%06X", uint32(c)&0xFFFFFF) }

// RGB returns the channels in 0..1, the form render backends want.
func (c Color) RGB() (r, g, b float32) {
	return float32((c>>16)&0xFF) / 255, float32((c>>8)&0xFF) / 255, float32(c&0xFF) / 255
}

func (c Color) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Color) UnmarshalText(b []byte) error {
	v, err := ParseColor(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Material is a closed set. The zero value is Solid.
type Material uint8

const (
	Solid Material = iota
	Glass
	Emissive
	Liquid
)

var materialNames = [...]string{
	Solid:    "solid",
	Glass:    "glass",
	Emissive: "emissive",
	Liquid:   "liquid",
}

// Materials lists every material in declaration order.
func Materials() []Material { return []Material{Solid, Glass, Emissive, Liquid} }

func ParseMaterial(s string) (Material, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range materialNames {
		if n == name {
			return Material(m), nil
		}
	}
	return 0, fmt.Errorf("unknown material %q", s)
}

func (m Material) Valid() bool { return int(m) < len(materialNames) }

func (m Material) String() string {
	if !m.Valid() {
		return fmt.Sprintf("material(%d)", uint8(m))
	}
	return materialNames[m]
}

func (m Material) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid material %d", uint8(m))
	}
	return []byte(materialNames[m]), nil
}

func (m *Material) UnmarshalText(b []byte) error {
	v, err := ParseMaterial(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Record describes one occupied cell. Records are values; replacing a voxel
// means placing a new record at the same position.
type Record struct {
	Pos          Pos
	Color        Color
	Material     Material
	HasCollision bool
}

// Key is the visual batch key of the record.
func (r Record) Key() BatchKey { return BatchKey{Color: r.Color, Material: r.Material} }

// BatchKey groups visually interchangeable voxels.
type BatchKey struct {
	Color    Color
	Material Material
}

func (k BatchKey) String() string { return k.Color.String() + "/" + k.Material.String() }

// Less orders keys by material then color.
func (k BatchKey) Less(o BatchKey) bool {
	if k.Material != o.Material {
		return k.Material < o.Material
	}
	return k.Color < o.Color
}
