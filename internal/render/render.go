// Package render wraps the template engine used for task-instruction
// templates. Non-interactive runs render an agent's task instructions
// with the trigger payload as data, so instructions can reference
// {{ .payload }} fields.
package render

import (
	"github.com/rytsh/mugo/render"

	_ "github.com/rytsh/mugo/fstore/registry"
)

// ExecuteWithData renders a Go template with the standard mugo function
// map. Plain text without template actions passes through unchanged.
var ExecuteWithData = render.ExecuteWithData
