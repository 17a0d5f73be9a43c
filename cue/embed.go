// Package cue provides the embedded deployment profile schema.
package cue

import "embed"

// ProfileFS contains the embedded profile schema and defaults.
//
//go:embed profile/*.cue
var ProfileFS embed.FS

// ProfileDir is the root directory within the embedded filesystem.
const ProfileDir = "profile"
