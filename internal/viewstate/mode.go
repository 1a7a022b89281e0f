package viewstate

import (
	"fmt"
	"strings"

	"github.com/neuronviewer/server/internal/model"
)

// ViewMode selects which structural subset of a neuron is displayed.
type ViewMode int

const (
	ViewModeAll ViewMode = iota
	ViewModeAxon
	ViewModeDendrite
	ViewModeSoma
)

func (m ViewMode) String() string {
	switch m {
	case ViewModeAll:
		return "all"
	case ViewModeAxon:
		return "axon"
	case ViewModeDendrite:
		return "dendrite"
	case ViewModeSoma:
		return "soma"
	}
	return fmt.Sprintf("ViewMode(%d)", int(m))
}

// ParseViewMode converts a name such as "axon" into a ViewMode.
func ParseViewMode(s string) (ViewMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "":
		return ViewModeAll, nil
	case "axon":
		return ViewModeAxon, nil
	case "dendrite":
		return ViewModeDendrite, nil
	case "soma":
		return ViewModeSoma, nil
	}
	return 0, fmt.Errorf("unknown view mode: %q", s)
}

// Structures returns the tracing structures displayed in mode.
func (m ViewMode) Structures() []model.Structure {
	switch m {
	case ViewModeAxon:
		return []model.Structure{model.StructureAxon}
	case ViewModeDendrite:
		return []model.Structure{model.StructureDendrite}
	case ViewModeSoma:
		return []model.Structure{model.StructureSoma}
	}
	return []model.Structure{model.StructureAxon, model.StructureDendrite}
}
