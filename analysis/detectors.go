// Copyright 2022 The telemetrybus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"math"

	"github.com/alwitt/telemetrybus/common"
)

// meanStdDev population mean and standard deviation
func meanStdDev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	sq := 0.0
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// pointValues extract the values of a window
func pointValues(points []Point) []float64 {
	values := make([]float64, len(points))
	for idx, p := range points {
		values[idx] = p.Value
	}
	return values
}

// ZScoreDetector flags points more than threshold standard deviations from the
// window mean.
func ZScoreDetector(threshold float64) AnalysisFunc {
	return func(points []Point) ([]Prediction, error) {
		mean, std := meanStdDev(pointValues(points))
		result := make([]Prediction, len(points))
		for idx, p := range points {
			result[idx] = Prediction{
				IsEvent:  std > 0 && math.Abs(p.Value-mean) > threshold*std,
				Actual:   p.Value,
				Expected: mean,
				Time:     p.Time,
			}
		}
		return result, nil
	}
}

// SpikeDetector flags points more than threshold standard deviations away from the
// trailing window before them. The first window points are never spikes.
func SpikeDetector(threshold float64, window int) (AnalysisFunc, error) {
	if window < 2 {
		return nil, common.Fault(common.ErrConfiguration, "spike window must be at least 2")
	}
	return func(points []Point) ([]Prediction, error) {
		values := pointValues(points)
		result := make([]Prediction, len(points))
		for idx, p := range points {
			result[idx] = Prediction{Actual: p.Value, Expected: p.Value, Time: p.Time}
			if idx < window {
				continue
			}
			mean, std := meanStdDev(values[idx-window : idx])
			result[idx].Expected = mean
			deviation := math.Abs(p.Value - mean)
			if std == 0 {
				result[idx].IsEvent = deviation > 0
			} else {
				result[idx].IsEvent = deviation > threshold*std
			}
		}
		return result, nil
	}, nil
}

// ChangePointDetector flags the points where the mean of the following window
// shifts from the mean of the preceding window by more than threshold pooled
// standard deviations. Only the strongest shift of each run is flagged.
func ChangePointDetector(threshold float64, window int) (AnalysisFunc, error) {
	if window < 2 {
		return nil, common.Fault(common.ErrConfiguration, "change point window must be at least 2")
	}
	return func(points []Point) ([]Prediction, error) {
		values := pointValues(points)
		result := make([]Prediction, len(points))
		scores := make([]float64, len(points))
		for idx, p := range points {
			result[idx] = Prediction{Actual: p.Value, Expected: p.Value, Time: p.Time}
			if idx < window || idx+window > len(points) {
				continue
			}
			beforeMean, beforeStd := meanStdDev(values[idx-window : idx])
			afterMean, afterStd := meanStdDev(values[idx : idx+window])
			pooled := math.Sqrt((beforeStd*beforeStd + afterStd*afterStd) / 2)
			shift := math.Abs(afterMean - beforeMean)
			result[idx].Expected = beforeMean
			switch {
			case pooled > 0:
				scores[idx] = shift / pooled
			case shift > 0:
				scores[idx] = math.Inf(1)
			}
		}
		for idx := range points {
			if scores[idx] <= threshold {
				continue
			}
			// Peak of a run of high scores
			if idx > 0 && scores[idx-1] >= scores[idx] {
				continue
			}
			if idx+1 < len(points) && scores[idx+1] > scores[idx] {
				continue
			}
			result[idx].IsEvent = true
		}
		return result, nil
	}, nil
}

// MovingAverageForecaster forecasts horizon values, each the mean of the
// preceding window values, rolling forward over its own forecasts.
func MovingAverageForecaster(horizon int, window int) (AnalysisFunc, error) {
	if horizon < 1 || window < 1 {
		return nil, common.Fault(
			common.ErrConfiguration, "forecast horizon and window must be positive",
		)
	}
	return func(points []Point) ([]Prediction, error) {
		if len(points) == 0 {
			return []Prediction{}, nil
		}
		history := pointValues(points)
		last := points[len(points)-1]
		result := make([]Prediction, horizon)
		for step := 0; step < horizon; step++ {
			start := len(history) - window
			if start < 0 {
				start = 0
			}
			mean, _ := meanStdDev(history[start:])
			history = append(history, mean)
			result[step] = Prediction{Actual: last.Value, Expected: mean, Time: last.Time}
		}
		return result, nil
	}, nil
}

// DefaultAnalysisFunc the reference estimator of an engine kind
func DefaultAnalysisFunc(kind Kind, cfg common.EngineConfig) (AnalysisFunc, error) {
	window := cfg.PredictionDataSize / 4
	if window < 3 {
		window = 3
	}
	switch kind {
	case KindAnomaly:
		return ZScoreDetector(cfg.Threshold), nil
	case KindSpike:
		return SpikeDetector(cfg.Threshold, window)
	case KindChangePoint:
		return ChangePointDetector(cfg.Threshold, window)
	case KindForecast:
		return MovingAverageForecaster(cfg.Horizon, window)
	}
	return nil, common.Fault(common.ErrConfiguration, "unknown analysis kind '%s'", kind)
}
