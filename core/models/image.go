package models

// RunImage is one member of a run's target image set. The set is
// materialized when reduceImages first runs and drives the fan-in count.
type RunImage struct {
	RunID     string
	ImageID   string
	SourceKey string
	TargetKey string
	Caption   string
	Crop      *CropRect
	Resized   bool
}
