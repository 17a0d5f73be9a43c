// Package inventory records which resources each bootstrap step owns during a
// run, and whether the step created them or found them already in place.
package inventory
