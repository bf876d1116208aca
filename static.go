// Package grblbridge holds assets shared by the bridge binaries.
package grblbridge

import "embed"

// StaticFiles carries the web console served at /static/.
//
//go:embed static/*
var StaticFiles embed.FS
