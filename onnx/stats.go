package onnx

// Stats is an immutable snapshot of graph metrics, captured before and after
// optimization for the comparison report. The watched operator types are the
// shape-manipulation scaffolding the optimizer targets for elimination.
type Stats struct {
	Nodes        int
	Initializers int
	Inputs       int
	Outputs      int
	DynamicDims  int
	ShapeOps     int
	ConstantOps  int
	UnsqueezeOps int
	ConcatOps    int
}

// Metric is one named count in a Stats snapshot.
type Metric struct {
	Name  string
	Value int
}

// Stats computes a snapshot of the model's graph metrics.
func (m *Model) Stats() Stats {
	opCounts := OpTypeCounts(m.Proto.Graph)
	return Stats{
		Nodes:        len(m.Proto.Graph.Node),
		Initializers: len(m.Proto.Graph.Initializer),
		Inputs:       len(m.InputNames()),
		Outputs:      len(m.Proto.Graph.Output),
		DynamicDims:  len(m.DynamicDims()),
		ShapeOps:     opCounts["Shape"],
		ConstantOps:  opCounts["Constant"],
		UnsqueezeOps: opCounts["Unsqueeze"],
		ConcatOps:    opCounts["Concat"],
	}
}

// Metrics returns the snapshot's counts in their fixed reporting order.
func (s Stats) Metrics() []Metric {
	return []Metric{
		{"nodes", s.Nodes},
		{"initializers", s.Initializers},
		{"inputs", s.Inputs},
		{"outputs", s.Outputs},
		{"dynamic_dims", s.DynamicDims},
		{"Shape ops", s.ShapeOps},
		{"Constant ops", s.ConstantOps},
		{"Unsqueeze ops", s.UnsqueezeOps},
		{"Concat ops", s.ConcatOps},
	}
}

// Delta returns after-minus-before per metric, in the same order as Metrics.
func (s Stats) Delta(after Stats) []Metric {
	before := s.Metrics()
	afterMetrics := after.Metrics()
	deltas := make([]Metric, len(before))
	for i, b := range before {
		deltas[i] = Metric{Name: b.Name, Value: afterMetrics[i].Value - b.Value}
	}
	return deltas
}
