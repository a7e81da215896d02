package training

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	TripletDistances     PlotType = "triplet_distances"
)

// PlotData is a self-describing plot: metadata, series and axis setup.
type PlotData struct {
	PlotType  PlotType     `json:"plot_type"`
	Title     string       `json:"title"`
	Timestamp time.Time    `json:"timestamp"`
	ModelName string       `json:"model_name"`
	Series    []SeriesData `json:"series"`
	Config    PlotConfig   `json:"config"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name string      `json:"name"`
	Type string      `json:"type"` // "line", "scatter"
	Data []DataPoint `json:"data"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
}

// VisualizationCollector records per-iteration training data for plotting.
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string

	steps         []int
	totalLoss     []float64
	averageLoss   []float64
	tripletLoss   []float64
	identityLoss  []float64
	learningRates map[SubModel][]float64
	positiveDist  []float64
	negativeDist  []float64
}

// NewVisualizationCollector creates an empty collector.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName:     modelName,
		learningRates: make(map[SubModel][]float64),
	}
}

// RecordStep records one iteration.
func (vc *VisualizationCollector) RecordStep(result *StepResult, average float64, lrs map[SubModel]float64) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	l := result.Losses
	vc.steps = append(vc.steps, result.Iteration)
	vc.totalLoss = append(vc.totalLoss, l.Total)
	vc.averageLoss = append(vc.averageLoss, average)
	vc.tripletLoss = append(vc.tripletLoss, l.TripletGlobal+l.TripletLocal)
	vc.identityLoss = append(vc.identityLoss, l.BranchGlobalID+l.BranchLocalID+l.FusedGlobalID+l.FusedLocalID)
	for _, sub := range AllSubModels {
		vc.learningRates[sub] = append(vc.learningRates[sub], lrs[sub])
	}
	vc.positiveDist = append(vc.positiveDist, result.GlobalStats.MeanPositive)
	vc.negativeDist = append(vc.negativeDist, result.GlobalStats.MeanNegative)
}

// Len returns the number of recorded iterations.
func (vc *VisualizationCollector) Len() int {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return len(vc.steps)
}

func (vc *VisualizationCollector) line(name string, ys []float64) SeriesData {
	s := SeriesData{Name: name, Type: "line", Data: make([]DataPoint, len(ys))}
	for i, y := range ys {
		s.Data[i] = DataPoint{X: float64(vc.steps[i]), Y: y}
	}
	return s
}

// GenerateTrainingCurvesPlot plots the raw and averaged total loss and the
// metric and identity parts.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			vc.line("Total Loss", vc.totalLoss),
			vc.line("Moving Average", vc.averageLoss),
			vc.line("Triplet Loss", vc.tripletLoss),
			vc.line("Identity Loss", vc.identityLoss),
		},
		Config: PlotConfig{XAxisLabel: "Iteration", YAxisLabel: "Loss", XAxisScale: "linear", YAxisScale: "linear", ShowLegend: true},
	}
}

// GenerateLearningRateSchedulePlot plots one series per sub-model.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	series := make([]SeriesData, 0, len(AllSubModels))
	for _, sub := range AllSubModels {
		series = append(series, vc.line(sub.String(), vc.learningRates[sub]))
	}
	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config:    PlotConfig{XAxisLabel: "Iteration", YAxisLabel: "Learning Rate", XAxisScale: "linear", YAxisScale: "log", ShowLegend: true},
	}
}

// GenerateTripletDistancePlot plots the mean mined positive and negative
// distances of the global embedding.
func (vc *VisualizationCollector) GenerateTripletDistancePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return PlotData{
		PlotType:  TripletDistances,
		Title:     fmt.Sprintf("Mined Triplet Distances - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{
			vc.line("Hardest Positive", vc.positiveDist),
			vc.line("Hardest Negative", vc.negativeDist),
		},
		Config: PlotConfig{XAxisLabel: "Iteration", YAxisLabel: "Distance", XAxisScale: "linear", YAxisScale: "linear", ShowLegend: true},
	}
}

// WriteJSON writes every plot as one JSON array.
func (vc *VisualizationCollector) WriteJSON(w io.Writer) error {
	plots := []PlotData{
		vc.GenerateTrainingCurvesPlot(),
		vc.GenerateLearningRateSchedulePlot(),
		vc.GenerateTripletDistancePlot(),
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(plots); err != nil {
		return fmt.Errorf("failed to encode plots: %w", err)
	}
	return nil
}
