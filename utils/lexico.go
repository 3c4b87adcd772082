package utils

import (
	"github.com/pkg/errors"
)

// Volume returns the number of sites in a box of the given extents
func Volume(size []int) int {
	vol := 1
	for _, s := range size {
		vol *= s
	}
	return vol
}

// Crtesn converts a lexicographic site index into coordinates, first
// dimension running fastest
func Crtesn(site int, size []int) []int {
	coord := make([]int, len(size))
	for mu, s := range size {
		coord[mu] = site % s
		site /= s
	}
	return coord
}

// LocalSite is the inverse of Crtesn
func LocalSite(coord, size []int) int {
	order := 0
	for mu := len(size) - 1; mu >= 1; mu-- {
		order = size[mu-1] * (coord[mu] + order)
	}
	return order + coord[0]
}

// CheckExtents verifies that every extent is positive and that coord, when
// given, lies inside the box
func CheckExtents(size []int, coord ...int) error {
	for mu, s := range size {
		if s <= 0 {
			return errors.Errorf("extent %d in dimension %d must be positive", s, mu)
		}
	}
	if len(coord) == 0 {
		return nil
	}
	if len(coord) != len(size) {
		return errors.Errorf("coordinate has %d dimensions, box has %d", len(coord), len(size))
	}
	for mu, c := range coord {
		if c < 0 || c >= size[mu] {
			return errors.Errorf("coordinate %v outside box %v", coord, size)
		}
	}
	return nil
}

// PrimeFactors returns the prime factors of n in descending order
func PrimeFactors(n int) []int {
	var factors []int
	for p := 2; p*p <= n; p++ {
		for n%p == 0 {
			factors = append(factors, p)
			n /= p
		}
	}
	if n > 1 {
		factors = append(factors, n)
	}
	for i, j := 0, len(factors)-1; i < j; i, j = i+1, j-1 {
		factors[i], factors[j] = factors[j], factors[i]
	}
	return factors
}
