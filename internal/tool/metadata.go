package tool

import (
	"github.com/harunnryd/kiroku/internal/model/contract"
)

// Annotations are a tool's declared capability hints. Risk classification
// reads them; tools that don't declare any are treated conservatively.
type Annotations struct {
	// ReadOnly tools never mutate anything observable.
	ReadOnly bool
	// Destructive tools can delete or overwrite state irreversibly.
	Destructive bool
	// Idempotent tools can be retried without compounding effects.
	Idempotent bool
}

// AnnotationsProvider is implemented by tools that declare capability hints.
type AnnotationsProvider interface {
	ToolAnnotations() Annotations
}

type ToolDescriptor struct {
	Definition  contract.ToolDef
	Annotations Annotations
}
