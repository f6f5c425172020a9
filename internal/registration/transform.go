// Package registration runs a registration between a fixed and a moving
// volume and persists the warped results.
package registration

import (
	"fmt"
	"strings"
)

// Transform names a registration transform family.
type Transform string

const (
	Translation Transform = "Translation"
	Rigid       Transform = "Rigid"
	Similarity  Transform = "Similarity"
	QuickRigid  Transform = "QuickRigid"
	DenseRigid  Transform = "DenseRigid"
	BOLDRigid   Transform = "BOLDRigid"
	Affine      Transform = "Affine"
	AffineFast  Transform = "AffineFast"
	BOLDAffine  Transform = "BOLDAffine"
	TRSAA       Transform = "TRSAA"
	ElasticSyN  Transform = "ElasticSyN"
	SyN         Transform = "SyN"
	SyNRA       Transform = "SyNRA"
	SyNOnly     Transform = "SyNOnly"
	SyNabp      Transform = "SyNabp"
	SyNBold     Transform = "SyNBold"
	SyNBoldAff  Transform = "SyNBoldAff"
	SyNAggro    Transform = "SyNAggro"
	TVMSQ       Transform = "TVMSQ"
)

var transforms = []Transform{
	Translation, Rigid, Similarity, QuickRigid, DenseRigid, BOLDRigid,
	Affine, AffineFast, BOLDAffine, TRSAA, ElasticSyN, SyN, SyNRA,
	SyNOnly, SyNabp, SyNBold, SyNBoldAff, SyNAggro, TVMSQ,
}

// Transforms lists every accepted transform in menu order.
func Transforms() []Transform {
	return append([]Transform(nil), transforms...)
}

// Valid reports whether t is one of the known transforms.
func (t Transform) Valid() bool {
	for _, known := range transforms {
		if t == known {
			return true
		}
	}
	return false
}

// ParseTransform accepts exactly one of the known names.
func ParseTransform(s string) (Transform, error) {
	t := Transform(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown transform %q", ErrInvalidInput, s)
	}
	return t, nil
}
