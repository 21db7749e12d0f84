// Package report turns a raw worker result into the analysis report served
// to the frontend.
package report

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Verdicts and their display colors.
const (
	VerdictAuthentic   = "Authentic"
	VerdictAIGenerated = "AI-Generated"
	VerdictSuspicious  = "Suspicious"

	ColorGreen  = "green"
	ColorRed    = "red"
	ColorYellow = "yellow"
)

// Test statuses.
const (
	StatusClean      = "CLEAN"
	StatusWarning    = "WARNING"
	StatusSuspicious = "SUSPICIOUS"
)

// Worker predictions.
const (
	PredictionReal = "Real"
	PredictionFake = "AI/Fake"
)

// TotalTests is the number of checks in every report.
const TotalTests = 5

// TimestampFormat renders UTC timestamps with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Report is the response body of a successful analysis.
type Report struct {
	Status       string     `json:"status"`
	Verdict      string     `json:"verdict"`
	Confidence   int        `json:"confidence"`
	VerdictColor string     `json:"verdictColor"`
	FileInfo     FileInfo   `json:"fileInfo"`
	Tests        Tests      `json:"tests"`
	Summary      Summary    `json:"summary"`
	MLAnalysis   MLAnalysis `json:"mlAnalysis"`
	Timestamp    string     `json:"timestamp"`
	Error        *string    `json:"error"`
}

// FileInfo describes the uploaded file.
type FileInfo struct {
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	SizeReadable string `json:"sizeReadable"`
	Type         string `json:"type"`
	Resolution   string `json:"resolution"`
}

// TestResult is the outcome of one check.
type TestResult struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Technical string `json:"technical"`
}

// Tests holds the five checks in display order.
type Tests struct {
	CNNPatternRecognition TestResult `json:"cnn_pattern_recognition"`
	ELAErrorLevelAnalysis TestResult `json:"ela_error_level_analysis"`
	MetadataForensics     TestResult `json:"metadata_forensics"`
	NoisePatternAnalysis  TestResult `json:"noise_pattern_analysis"`
	VisualArtifactScan    TestResult `json:"visual_artifact_scan"`
}

// Summary counts the checks by outcome.
type Summary struct {
	TotalTests      int `json:"total_tests"`
	SuspiciousFlags int `json:"suspicious_flags"`
	WarningFlags    int `json:"warning_flags"`
	CleanFlags      int `json:"clean_flags"`
}

// MLAnalysis echoes the model ensemble output.
type MLAnalysis struct {
	Prediction        *string  `json:"prediction"`
	Confidence        *float64 `json:"confidence"`
	ModelsUsed        []string `json:"models_used"`
	FeaturesExtracted int      `json:"features_extracted"`
}

// Upload is what the HTTP layer knows about the analysed file.
type Upload struct {
	Name        string
	Size        int64
	ContentType string
}

// WorkerResult is the subset of a worker response the report uses.
// Forensic sections are nil when the worker omitted them; their numeric
// fields are nil when the worker sent null.
type WorkerResult struct {
	Prediction      *string        `mapstructure:"prediction"`
	Confidence      *float64       `mapstructure:"confidence"`
	RealProb        *float64       `mapstructure:"real_prob"`
	FakeProb        *float64       `mapstructure:"fake_prob"`
	FlagReview      bool           `mapstructure:"flag_review"`
	ModelVotes      map[string]any `mapstructure:"model_votes"`
	ELA             *ELA           `mapstructure:"ela"`
	Metadata        *Metadata      `mapstructure:"metadata"`
	Noise           *Noise         `mapstructure:"noise"`
	ForensicFlags   int            `mapstructure:"forensic_flags"`
	ForensicVerdict *string        `mapstructure:"forensic_verdict"`
	Error           *string        `mapstructure:"error"`
}

// ELA is the error level analysis section.
type ELA struct {
	Mean       *float64 `mapstructure:"mean"`
	Max        *float64 `mapstructure:"max"`
	Std        *float64 `mapstructure:"std"`
	Suspicious bool     `mapstructure:"suspicious"`
	Error      string   `mapstructure:"error"`
}

// Metadata is the EXIF metadata section.
type Metadata struct {
	HasEXIF    bool    `mapstructure:"has_exif"`
	Software   *string `mapstructure:"software"`
	Suspicious bool    `mapstructure:"suspicious"`
	Error      string  `mapstructure:"error"`
}

// Noise is the noise pattern section.
type Noise struct {
	Variance   *float64 `mapstructure:"variance"`
	MeanAbs    *float64 `mapstructure:"mean_abs"`
	Suspicious bool     `mapstructure:"suspicious"`
	Error      string   `mapstructure:"error"`
}

// Decode reads a worker response object into a WorkerResult. Unknown
// fields are ignored and JSON numbers are converted to the field types.
func Decode(fields map[string]any) (*WorkerResult, error) {
	var res WorkerResult
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &res,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create result decoder: %w", err)
	}
	if err := dec.Decode(fields); err != nil {
		return nil, fmt.Errorf("decode worker result: %w", err)
	}
	return &res, nil
}

// Build assembles the report for res. now supplies the timestamp.
func Build(res *WorkerResult, up Upload, now time.Time) *Report {
	verdict, color := Verdict(res.Prediction)

	suspicious := res.ForensicFlags
	warnings := 0
	if res.FlagReview {
		warnings = 1
	}

	models := slices.Sorted(maps.Keys(res.ModelVotes))
	if models == nil {
		models = []string{}
	}

	var errMsg *string
	if res.Error != nil && *res.Error != "" {
		errMsg = res.Error
	}

	return &Report{
		Status:       "success",
		Verdict:      verdict,
		Confidence:   Percent(deref(res.Confidence)),
		VerdictColor: color,
		FileInfo: FileInfo{
			Name:         up.Name,
			Size:         up.Size,
			SizeReadable: fmt.Sprintf("%.2f KB", float64(up.Size)/1024),
			Type:         up.ContentType,
			Resolution:   "Extracted",
		},
		Tests: Tests{
			CNNPatternRecognition: cnnTest(res),
			ELAErrorLevelAnalysis: elaTest(res.ELA),
			MetadataForensics:     metadataTest(res.Metadata),
			NoisePatternAnalysis:  noiseTest(res.Noise),
			VisualArtifactScan:    visualTest(res),
		},
		Summary: Summary{
			TotalTests:      TotalTests,
			SuspiciousFlags: suspicious,
			WarningFlags:    warnings,
			CleanFlags:      TotalTests - suspicious - warnings,
		},
		MLAnalysis: MLAnalysis{
			Prediction: res.Prediction,
			Confidence: res.Confidence,
			ModelsUsed: models,
		},
		Timestamp: now.UTC().Format(TimestampFormat),
		Error:     errMsg,
	}
}

// Verdict maps a worker prediction to a verdict and its color. A missing or
// unrecognised prediction is Suspicious.
func Verdict(prediction *string) (string, string) {
	switch deref(prediction) {
	case PredictionReal:
		return VerdictAuthentic, ColorGreen
	case PredictionFake:
		return VerdictAIGenerated, ColorRed
	default:
		return VerdictSuspicious, ColorYellow
	}
}

// Percent converts a 0..1 confidence to a whole percentage, rounding halves up.
func Percent(confidence float64) int {
	return int(math.Floor(confidence*100 + 0.5))
}

func cnnTest(res *WorkerResult) TestResult {
	status := StatusClean
	if res.FlagReview {
		status = StatusWarning
	}
	conf := "n/a"
	if res.Confidence != nil {
		conf = strconv.FormatFloat(*res.Confidence*100, 'f', 1, 64)
	}
	return TestResult{
		Status:    status,
		Message:   fmt.Sprintf("CNN Prediction: %s (%s%% confidence)", text(res.Prediction), conf),
		Technical: fmt.Sprintf("Real prob: %s, Fake prob: %s", number(res.RealProb), number(res.FakeProb)),
	}
}

func elaTest(ela *ELA) TestResult {
	if ela == nil {
		ela = &ELA{}
	}
	msg := ela.Error
	if msg == "" {
		msg = fmt.Sprintf("ELA Mean: %s, Std: %s", fixed2(ela.Mean), fixed2(ela.Std))
	}
	return TestResult{
		Status:    flagStatus(ela.Suspicious),
		Message:   msg,
		Technical: "Max deviation: " + fixed2(ela.Max),
	}
}

func metadataTest(md *Metadata) TestResult {
	if md == nil {
		md = &Metadata{}
	}
	msg := md.Error
	if msg == "" {
		msg = "No EXIF data found"
		if md.HasEXIF {
			msg = "EXIF data present"
		}
	}
	technical := "Standard metadata check"
	if md.Software != nil && *md.Software != "" {
		technical = "Software: " + *md.Software
	}
	return TestResult{
		Status:    flagStatus(md.Suspicious),
		Message:   msg,
		Technical: technical,
	}
}

func noiseTest(n *Noise) TestResult {
	if n == nil {
		n = &Noise{}
	}
	msg := n.Error
	if msg == "" {
		msg = "Noise variance: " + fixed2(n.Variance)
	}
	return TestResult{
		Status:    flagStatus(n.Suspicious),
		Message:   msg,
		Technical: "Mean absolute deviation: " + fixed2(n.MeanAbs),
	}
}

func visualTest(res *WorkerResult) TestResult {
	verdict := deref(res.ForensicVerdict)
	status := StatusClean
	switch verdict {
	case "Highly suspicious":
		status = StatusSuspicious
	case "Suspicious":
		status = StatusWarning
	}
	return TestResult{
		Status:    status,
		Message:   "Forensic verdict: " + text(res.ForensicVerdict),
		Technical: fmt.Sprintf("Suspicious flags: %d/3", res.ForensicFlags),
	}
}

func flagStatus(suspicious bool) string {
	if suspicious {
		return StatusSuspicious
	}
	return StatusClean
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func text(s *string) string {
	if s == nil {
		return "n/a"
	}
	return *s
}

func number(f *float64) string {
	if f == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func fixed2(f *float64) string {
	if f == nil {
		return "n/a"
	}
	return strconv.FormatFloat(*f, 'f', 2, 64)
}
