//go:build v8

package cage

import "github.com/faradaycage/cage/internal/engine"

func newAdapter() engine.Adapter {
	return engine.NewV8Adapter()
}
