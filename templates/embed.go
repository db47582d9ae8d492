// Package templates embeds the default workspace config and an example snapshot.
package templates

import "embed"

//go:embed config.yaml snapshot.yaml
var FS embed.FS
