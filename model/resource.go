package model

// Resource is an engine-owned compute unit (a VM in the engine's terms).
type Resource struct {
	ID int64

	// Node is the network node the resource is reachable at; transfers
	// to the resource terminate here.
	Node string

	MIPS      float64
	PEs       int
	RAMMB     int64
	BWMbps    int64
	StorageMB int64

	// Utilization is the engine-reported CPU utilization fraction. It may
	// be NaN or out of range when the engine cannot report it.
	Utilization float64
}

// Parallelism returns the number of processing elements, never less than one.
func (r *Resource) Parallelism() int {
	if r == nil || r.PEs < 1 {
		return 1
	}
	return r.PEs
}
