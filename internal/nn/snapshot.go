package nn

import "fmt"

// Snapshot is the serializable form of a model.
type Snapshot struct {
	Config Config          `json:"config"`
	Params []ParamSnapshot `json:"params"`
}

// ParamSnapshot is one weight matrix.
type ParamSnapshot struct {
	Name   string    `json:"name"`
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Values []float64 `json:"values"`
}

// Snapshot copies the architecture and weights.
func (m *Model) Snapshot() *Snapshot {
	s := &Snapshot{Config: m.Config(), Params: make([]ParamSnapshot, len(m.params))}
	for i, p := range m.params {
		s.Params[i] = ParamSnapshot{
			Name:   p.Name,
			Rows:   p.Rows,
			Cols:   p.Cols,
			Values: append([]float64(nil), p.W...),
		}
	}
	return s
}

// FromSnapshot rebuilds a model, checking every parameter shape against the
// architecture in the snapshot.
func FromSnapshot(s *Snapshot) (*Model, error) {
	if s == nil {
		return nil, fmt.Errorf("nil snapshot")
	}
	if err := s.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid architecture: %w", err)
	}
	m := build(s.Config)
	if len(s.Params) != len(m.params) {
		return nil, fmt.Errorf("snapshot has %d parameters, architecture needs %d", len(s.Params), len(m.params))
	}
	for i, p := range m.params {
		sp := s.Params[i]
		if sp.Name != p.Name || sp.Rows != p.Rows || sp.Cols != p.Cols || len(sp.Values) != len(p.W) {
			return nil, fmt.Errorf("parameter %d: got %s %dx%d (%d values), want %s %dx%d",
				i, sp.Name, sp.Rows, sp.Cols, len(sp.Values), p.Name, p.Rows, p.Cols)
		}
		copy(p.W, sp.Values)
	}
	return m, nil
}
