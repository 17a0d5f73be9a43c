// Package placement verifies that the running replicas of a role are spread
// across failure domains as the deployment requires.
package placement
