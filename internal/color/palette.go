package color

import "math/rand"

// AvatarPalette is the fixed set of avatar colors assigned to participants
// who join without specifying one. Values are validated against
// hexColorPattern at init via a test, not at runtime, since the palette is
// a compile-time constant.
var AvatarPalette = []string{
	"#E74C3C",
	"#3498DB",
	"#2ECC71",
	"#F39C12",
	"#9B59B6",
	"#1ABC9C",
	"#E67E22",
	"#34495E",
	"#16A085",
	"#D35400",
	"#8E44AD",
	"#2980B9",
}

// RandomAvatarColor returns a random color from AvatarPalette. Uniqueness
// within a session is not enforced; two participants may share a color.
func RandomAvatarColor() string {
	return AvatarPalette[rand.Intn(len(AvatarPalette))]
}
