package overlay

import (
	"github.com/rfratto/layerstack/internal/layer"
	"github.com/rfratto/layerstack/internal/revalidate"
)

// Manifest is a serializable snapshot of a Filesystem.
type Manifest struct {
	ID         string `json:"id" msgpack:"id"`
	Options    string `json:"options" msgpack:"options"`
	ReadOnly   bool   `json:"read_only" msgpack:"read_only"`
	NameMax    int    `json:"name_max" msgpack:"name_max"`
	StackDepth int    `json:"stack_depth" msgpack:"stack_depth"`
	Tmpfile    bool   `json:"tmpfile" msgpack:"tmpfile"`
	DType      bool   `json:"d_type" msgpack:"d_type"`

	Upper   *LayerInfo  `json:"upper,omitempty" msgpack:"upper,omitempty"`
	Lowers  []LayerInfo `json:"lowers" msgpack:"lowers"`
	Workdir string      `json:"workdir,omitempty" msgpack:"workdir,omitempty"`

	Remote       bool             `json:"remote" msgpack:"remote"`
	Revalidation revalidate.Stats `json:"revalidation" msgpack:"revalidation"`

	Warnings []WarningInfo `json:"warnings,omitempty" msgpack:"warnings,omitempty"`
}

// LayerInfo describes a single layer in a Manifest.
type LayerInfo struct {
	Name     string `json:"name" msgpack:"name"`
	Path     string `json:"path" msgpack:"path"`
	FSType   string `json:"fs_type" msgpack:"fs_type"`
	NameMax  int    `json:"name_max" msgpack:"name_max"`
	Remote   bool   `json:"remote" msgpack:"remote"`
	ReadOnly bool   `json:"read_only" msgpack:"read_only"`
}

// WarningInfo describes a degraded capability in a Manifest.
type WarningInfo struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
}

func layerInfo(d *layer.Descriptor) LayerInfo {
	return LayerInfo{
		Name:     d.Name,
		Path:     d.Path,
		FSType:   d.Mount.Statfs.Type.String(),
		NameMax:  d.Mount.Statfs.NameMax,
		Remote:   d.Remote,
		ReadOnly: d.Mount.ReadOnly(),
	}
}

// Manifest returns a snapshot of f.
func (f *Filesystem) Manifest() Manifest {
	m := Manifest{
		ID:           f.ID.String(),
		Options:      f.ShowOptions(),
		ReadOnly:     f.ReadOnly(),
		NameMax:      f.NameMax,
		StackDepth:   f.StackDepth,
		Tmpfile:      f.Tmpfile,
		DType:        f.DType,
		Lowers:       make([]LayerInfo, 0, len(f.Stack.Lowers)),
		Remote:       f.Ops.Remote(),
		Revalidation: f.Ops.Stats(),
	}

	if f.Stack.Upper != nil {
		info := layerInfo(f.Stack.Upper)
		m.Upper = &info
	}
	for _, d := range f.Stack.Lowers {
		m.Lowers = append(m.Lowers, layerInfo(d))
	}
	if f.Stack.Work != nil {
		m.Workdir = f.Stack.Work.Path
	}
	for _, w := range f.Warnings {
		m.Warnings = append(m.Warnings, WarningInfo{Code: w.Code.String(), Message: w.Error()})
	}
	return m
}
